package rpc

import (
	"context"
	"fmt"
	"strings"
	"time"

	"payfwd/indexer"
)

func (s *Server) handleListTransactions(ctx context.Context, req *RPCRequest) (interface{}, *RPCError) {
	var params listTransactionsParams
	if len(req.Params) > 0 {
		if rpcErr := firstParam(req, &params); rpcErr != nil {
			return nil, rpcErr
		}
	}
	rows, err := s.index.Transactions(ctx, indexer.TransactionQuery{
		ClientID:      strings.TrimSpace(params.ClientID),
		Sender:        strings.TrimSpace(params.Sender),
		Token:         strings.TrimSpace(params.Token),
		AfterSequence: params.Cursor,
		Limit:         params.Limit,
	})
	if err != nil {
		return nil, &RPCError{Code: codeServerError, Message: "query failed", Data: err.Error()}
	}
	result := &TransactionListResult{Transactions: make([]TransactionEntry, 0, len(rows))}
	for _, row := range rows {
		result.Transactions = append(result.Transactions, transactionEntryFrom(row))
	}
	if len(rows) > 0 {
		result.NextCursor = rows[len(rows)-1].Sequence
	}
	return result, nil
}

func (s *Server) handleGetTransaction(ctx context.Context, req *RPCRequest) (interface{}, *RPCError) {
	var params getTransactionParams
	if rpcErr := firstParam(req, &params); rpcErr != nil {
		return nil, rpcErr
	}
	txnID, err := parseHash(params.TransactionID)
	if err != nil {
		return nil, invalidParams(fmt.Errorf("transactionId: %w", err))
	}
	row, payouts, err := s.index.TransactionByID(ctx, txnID.Hex())
	if err != nil {
		return nil, &RPCError{Code: codeServerError, Message: "query failed", Data: err.Error()}
	}
	if row == nil {
		return nil, &RPCError{Code: codeValidation, Message: "transaction not indexed", Data: txnID.Hex()}
	}
	entry := transactionEntryFrom(*row)
	result := &TransactionDetailResult{Transaction: &entry}
	for _, payout := range payouts {
		result.FeePayouts = append(result.FeePayouts, FeePayoutEntry{
			Sequence:  payout.Sequence,
			Scope:     payout.Scope,
			Payer:     payout.Payer,
			Recipient: payout.Recipient,
			Token:     payout.Token,
			AmountWei: payout.AmountWei,
			FeeBps:    payout.FeeBps,
			ClientID:  payout.ClientID,
		})
	}
	completion, err := s.index.CompletionByID(ctx, txnID.Hex())
	if err != nil {
		return nil, &RPCError{Code: codeServerError, Message: "query failed", Data: err.Error()}
	}
	if completion != nil {
		result.Completion = &CompletionEntry{
			Sequence:  completion.Sequence,
			Caller:    completion.Caller,
			Token:     completion.Token,
			AmountWei: completion.AmountWei,
			Receiver:  completion.Receiver,
			ClientID:  completion.ClientID,
			CreatedAt: completion.CreatedAt.UTC().Format(time.RFC3339),
		}
	}
	return result, nil
}
