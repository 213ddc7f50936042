package rpc

import (
	"fmt"
	"strings"

	"payfwd/gateway"
)

func (s *Server) handleInitiateTransaction(req *RPCRequest) (interface{}, *RPCError) {
	var params initiateParams
	if rpcErr := firstParam(req, &params); rpcErr != nil {
		return nil, rpcErr
	}
	caller, err := parseAddress(params.Caller)
	if err != nil {
		return nil, invalidParams(fmt.Errorf("caller: %w", err))
	}
	value, err := parseOptionalAmount(params.Value)
	if err != nil {
		return nil, invalidParams(fmt.Errorf("value: %w", err))
	}
	txnReq, err := params.Request.toRequest()
	if err != nil {
		return nil, invalidParams(err)
	}
	sig, err := parseSignature(params.Signature)
	if err != nil {
		return nil, invalidParams(err)
	}
	result, err := s.node.InitiateTransaction(caller, value, txnReq, sig)
	if err != nil {
		return nil, errorForEngine(err)
	}
	return initiateResultFrom(result), nil
}

func (s *Server) handleCompleteTransfer(req *RPCRequest) (interface{}, *RPCError) {
	var params completeParams
	if rpcErr := firstParam(req, &params); rpcErr != nil {
		return nil, rpcErr
	}
	caller, err := parseAddress(params.Caller)
	if err != nil {
		return nil, invalidParams(fmt.Errorf("caller: %w", err))
	}
	value, err := parseOptionalAmount(params.Value)
	if err != nil {
		return nil, invalidParams(fmt.Errorf("value: %w", err))
	}
	txnID, err := parseHash(params.TransactionID)
	if err != nil {
		return nil, invalidParams(fmt.Errorf("transactionId: %w", err))
	}
	token := gateway.NativeToken
	if strings.TrimSpace(params.Token) != "" {
		if token, err = parseAddress(params.Token); err != nil {
			return nil, invalidParams(fmt.Errorf("token: %w", err))
		}
	}
	amount, err := parseAmount(params.Amount)
	if err != nil {
		return nil, invalidParams(fmt.Errorf("amount: %w", err))
	}
	receiver, err := parseAddress(params.Receiver)
	if err != nil {
		return nil, invalidParams(fmt.Errorf("receiver: %w", err))
	}
	var sig []byte
	if strings.TrimSpace(params.Signature) != "" {
		if sig, err = parseSignature(params.Signature); err != nil {
			return nil, invalidParams(err)
		}
	}
	result, err := s.node.CompleteTransfer(caller, value, strings.TrimSpace(params.ClientID), txnID, token, amount, receiver, sig)
	if err != nil {
		return nil, errorForEngine(err)
	}
	return completeResultFrom(result), nil
}

// handleApprove sets the caller's token allowance. An absent spender
// defaults to the gateway itself, which is what completion callers need.
func (s *Server) handleApprove(req *RPCRequest) (interface{}, *RPCError) {
	var params approveParams
	if rpcErr := firstParam(req, &params); rpcErr != nil {
		return nil, rpcErr
	}
	caller, err := parseAddress(params.Caller)
	if err != nil {
		return nil, invalidParams(fmt.Errorf("caller: %w", err))
	}
	token := gateway.NativeToken
	if strings.TrimSpace(params.Token) != "" {
		if token, err = parseAddress(params.Token); err != nil {
			return nil, invalidParams(fmt.Errorf("token: %w", err))
		}
	}
	spender := s.node.GatewayAddress()
	if strings.TrimSpace(params.Spender) != "" {
		if spender, err = parseAddress(params.Spender); err != nil {
			return nil, invalidParams(fmt.Errorf("spender: %w", err))
		}
	}
	amount, err := parseAmount(params.Amount)
	if err != nil {
		return nil, invalidParams(fmt.Errorf("amount: %w", err))
	}
	if err := s.node.Approve(caller, token, spender, amount); err != nil {
		return nil, errorForEngine(err)
	}
	return &AllowanceResult{
		Token:     token.Hex(),
		Owner:     caller.Hex(),
		Spender:   spender.Hex(),
		AmountWei: amount.String(),
	}, nil
}

func (s *Server) handleGetAllowance(req *RPCRequest) (interface{}, *RPCError) {
	var params allowanceParams
	if rpcErr := firstParam(req, &params); rpcErr != nil {
		return nil, rpcErr
	}
	token := gateway.NativeToken
	var err error
	if strings.TrimSpace(params.Token) != "" {
		if token, err = parseAddress(params.Token); err != nil {
			return nil, invalidParams(fmt.Errorf("token: %w", err))
		}
	}
	owner, err := parseAddress(params.Owner)
	if err != nil {
		return nil, invalidParams(fmt.Errorf("owner: %w", err))
	}
	spender := s.node.GatewayAddress()
	if strings.TrimSpace(params.Spender) != "" {
		if spender, err = parseAddress(params.Spender); err != nil {
			return nil, invalidParams(fmt.Errorf("spender: %w", err))
		}
	}
	remaining, err := s.node.Allowance(token, owner, spender)
	if err != nil {
		return nil, errorForEngine(err)
	}
	return &AllowanceResult{
		Token:     token.Hex(),
		Owner:     owner.Hex(),
		Spender:   spender.Hex(),
		AmountWei: bigString(remaining),
	}, nil
}

func (s *Server) handleIsProcessed(req *RPCRequest) (interface{}, *RPCError) {
	var params processedParams
	if rpcErr := firstParam(req, &params); rpcErr != nil {
		return nil, rpcErr
	}
	txnID, err := parseHash(params.TransactionID)
	if err != nil {
		return nil, invalidParams(fmt.Errorf("transactionId: %w", err))
	}
	processed, err := s.node.IsProcessed(txnID)
	if err != nil {
		return nil, errorForEngine(err)
	}
	return &ProcessedResult{TransactionID: txnID.Hex(), Processed: processed}, nil
}

func (s *Server) handleGetProtocolFeeInfo(req *RPCRequest) (interface{}, *RPCError) {
	info, ok, err := s.node.ProtocolFeeInfo()
	if err != nil {
		return nil, errorForEngine(err)
	}
	return feeInfoResultFrom(info, ok), nil
}

func (s *Server) handleGetFeeInfo(req *RPCRequest) (interface{}, *RPCError) {
	var params feeInfoParams
	if rpcErr := firstParam(req, &params); rpcErr != nil {
		return nil, rpcErr
	}
	clientID := strings.TrimSpace(params.ClientID)
	if clientID == "" {
		return nil, invalidParams(fmt.Errorf("clientId required"))
	}
	info, ok, err := s.node.FeeInfo(clientID)
	if err != nil {
		return nil, errorForEngine(err)
	}
	return feeInfoResultFrom(info, ok), nil
}

func (s *Server) handleGetBalance(req *RPCRequest) (interface{}, *RPCError) {
	var params balanceParams
	if rpcErr := firstParam(req, &params); rpcErr != nil {
		return nil, rpcErr
	}
	token := gateway.NativeToken
	var err error
	if strings.TrimSpace(params.Token) != "" {
		if token, err = parseAddress(params.Token); err != nil {
			return nil, invalidParams(fmt.Errorf("token: %w", err))
		}
	}
	addr, err := parseAddress(params.Address)
	if err != nil {
		return nil, invalidParams(fmt.Errorf("address: %w", err))
	}
	balance, err := s.node.BalanceOf(token, addr)
	if err != nil {
		return nil, errorForEngine(err)
	}
	return &BalanceResult{
		Token:     token.Hex(),
		Address:   addr.Hex(),
		AmountWei: bigString(balance),
	}, nil
}
