package indexer

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"
	"lukechampine.com/blake3"
)

// ExportFile references one generated artefact and its content checksum.
type ExportFile struct {
	Name     string `json:"name"`
	Format   string `json:"format"`
	Rows     int    `json:"rows"`
	Checksum string `json:"checksum"`
}

// ExportManifest summarises an export run. Checksums are BLAKE3-256 over the
// file bytes so downstream settlement can verify integrity offline.
type ExportManifest struct {
	GeneratedAt  time.Time    `json:"generatedAt"`
	FromSequence uint64       `json:"fromSequence"`
	ToSequence   uint64       `json:"toSequence"`
	Rows         int          `json:"rows"`
	Files        []ExportFile `json:"files"`
}

var transactionCSVHeader = []string{
	"sequence", "txn_id", "sender", "token", "amount_wei", "net_value_wei",
	"protocol_fee_wei", "protocol_fee_bps", "developer_fee_wei", "client_id",
	"forward_address", "spender_address", "mode", "created_at",
}

type parquetTransaction struct {
	Sequence        int64  `parquet:"name=sequence, type=INT64"`
	TxnID           string `parquet:"name=txn_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Sender          string `parquet:"name=sender, type=BYTE_ARRAY, convertedtype=UTF8"`
	Token           string `parquet:"name=token, type=BYTE_ARRAY, convertedtype=UTF8"`
	AmountWei       string `parquet:"name=amount_wei, type=BYTE_ARRAY, convertedtype=UTF8"`
	NetValueWei     string `parquet:"name=net_value_wei, type=BYTE_ARRAY, convertedtype=UTF8"`
	ProtocolFeeWei  string `parquet:"name=protocol_fee_wei, type=BYTE_ARRAY, convertedtype=UTF8"`
	ProtocolFeeBps  int32  `parquet:"name=protocol_fee_bps, type=INT32"`
	DeveloperFeeWei string `parquet:"name=developer_fee_wei, type=BYTE_ARRAY, convertedtype=UTF8"`
	ClientID        string `parquet:"name=client_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	ForwardAddress  string `parquet:"name=forward_address, type=BYTE_ARRAY, convertedtype=UTF8"`
	SpenderAddress  string `parquet:"name=spender_address, type=BYTE_ARRAY, convertedtype=UTF8"`
	Mode            string `parquet:"name=mode, type=BYTE_ARRAY, convertedtype=UTF8"`
	CreatedAt       string `parquet:"name=created_at, type=BYTE_ARRAY, convertedtype=UTF8"`
}

// ExportTransactions writes every indexed forward with fromSeq < sequence <=
// toSeq to files under dir and returns the manifest, which is also persisted
// as manifest.json. A toSeq of zero exports through the current cursor.
// Formats selects "csv", "parquet", or both when empty.
func (ix *Index) ExportTransactions(ctx context.Context, dir string, fromSeq, toSeq uint64, formats ...string) (*ExportManifest, error) {
	wantCSV, wantParquet, err := exportFormats(formats)
	if err != nil {
		return nil, err
	}
	if toSeq == 0 {
		applied, err := ix.LastApplied(ctx)
		if err != nil {
			return nil, err
		}
		toSeq = applied
	}
	var rows []Transaction
	db := ix.db.WithContext(ctx).Model(&Transaction{}).Where("sequence > ? AND sequence <= ?", fromSeq, toSeq)
	if err := db.Order("sequence ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("indexer: load export window: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("indexer: ensure export dir: %w", err)
	}

	manifest := &ExportManifest{
		GeneratedAt:  time.Now().UTC(),
		FromSequence: fromSeq,
		ToSequence:   toSeq,
		Rows:         len(rows),
	}

	if wantCSV {
		csvFile, err := ix.writeTransactionsCSV(dir, rows)
		if err != nil {
			ix.metrics.ObserveError("export")
			return nil, err
		}
		manifest.Files = append(manifest.Files, csvFile)
		ix.metrics.ObserveExport("csv")
	}

	if wantParquet {
		parquetFile, err := ix.writeTransactionsParquet(dir, rows)
		if err != nil {
			ix.metrics.ObserveError("export")
			return nil, err
		}
		manifest.Files = append(manifest.Files, parquetFile)
		ix.metrics.ObserveExport("parquet")
	}

	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(dir, "manifest.json"), data, 0o644); err != nil {
		return nil, fmt.Errorf("indexer: write manifest: %w", err)
	}
	ix.log.Info("export complete", "rows", len(rows), "dir", dir)
	return manifest, nil
}

func exportFormats(formats []string) (wantCSV, wantParquet bool, err error) {
	if len(formats) == 0 {
		return true, true, nil
	}
	for _, format := range formats {
		switch format {
		case "csv":
			wantCSV = true
		case "parquet":
			wantParquet = true
		default:
			return false, false, fmt.Errorf("indexer: unknown export format %q", format)
		}
	}
	return wantCSV, wantParquet, nil
}

func (ix *Index) writeTransactionsCSV(dir string, rows []Transaction) (ExportFile, error) {
	buffer := &bytes.Buffer{}
	w := csv.NewWriter(buffer)
	if err := w.Write(transactionCSVHeader); err != nil {
		return ExportFile{}, fmt.Errorf("indexer: write csv header: %w", err)
	}
	for _, row := range rows {
		record := []string{
			strconv.FormatUint(row.Sequence, 10),
			row.TxnID,
			row.Sender,
			row.Token,
			row.AmountWei,
			row.NetValueWei,
			row.ProtocolFeeWei,
			strconv.FormatUint(uint64(row.ProtocolFeeBps), 10),
			row.DeveloperFeeWei,
			row.ClientID,
			row.ForwardAddress,
			row.SpenderAddress,
			row.Mode,
			row.CreatedAt.UTC().Format(time.RFC3339Nano),
		}
		if err := w.Write(record); err != nil {
			return ExportFile{}, fmt.Errorf("indexer: write csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return ExportFile{}, fmt.Errorf("indexer: flush csv: %w", err)
	}
	data := buffer.Bytes()
	path := filepath.Join(dir, "transactions.csv")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return ExportFile{}, fmt.Errorf("indexer: write csv: %w", err)
	}
	sum := blake3.Sum256(data)
	return ExportFile{
		Name:     filepath.Base(path),
		Format:   "csv",
		Rows:     len(rows),
		Checksum: hex.EncodeToString(sum[:]),
	}, nil
}

func (ix *Index) writeTransactionsParquet(dir string, rows []Transaction) (ExportFile, error) {
	path := filepath.Join(dir, "transactions.parquet")
	file, err := os.Create(path)
	if err != nil {
		return ExportFile{}, fmt.Errorf("indexer: create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(parquetTransaction), 1)
	if err != nil {
		file.Close()
		return ExportFile{}, fmt.Errorf("indexer: parquet schema: %w", err)
	}
	pw.RowGroupSize = 128 * 1024 * 1024
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, row := range rows {
		pr := &parquetTransaction{
			Sequence:        int64(row.Sequence),
			TxnID:           row.TxnID,
			Sender:          row.Sender,
			Token:           row.Token,
			AmountWei:       row.AmountWei,
			NetValueWei:     row.NetValueWei,
			ProtocolFeeWei:  row.ProtocolFeeWei,
			ProtocolFeeBps:  int32(row.ProtocolFeeBps),
			DeveloperFeeWei: row.DeveloperFeeWei,
			ClientID:        row.ClientID,
			ForwardAddress:  row.ForwardAddress,
			SpenderAddress:  row.SpenderAddress,
			Mode:            row.Mode,
			CreatedAt:       row.CreatedAt.UTC().Format(time.RFC3339Nano),
		}
		if err := pw.Write(pr); err != nil {
			pw.WriteStop()
			file.Close()
			return ExportFile{}, fmt.Errorf("indexer: parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return ExportFile{}, fmt.Errorf("indexer: parquet flush: %w", err)
	}
	if err := file.Close(); err != nil {
		return ExportFile{}, fmt.Errorf("indexer: close parquet: %w", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return ExportFile{}, fmt.Errorf("indexer: hash parquet: %w", err)
	}
	sum := blake3.Sum256(data)
	return ExportFile{
		Name:     filepath.Base(path),
		Format:   "parquet",
		Rows:     len(rows),
		Checksum: hex.EncodeToString(sum[:]),
	}, nil
}
