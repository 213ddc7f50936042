package rpc

import (
	"fmt"
	"strings"

	"payfwd/gateway"
)

type ackResult struct {
	OK bool `json:"ok"`
}

func (s *Server) handlePause(req *RPCRequest) (interface{}, *RPCError) {
	var params pauseParams
	if rpcErr := firstParam(req, &params); rpcErr != nil {
		return nil, rpcErr
	}
	caller, err := parseAddress(params.Caller)
	if err != nil {
		return nil, invalidParams(fmt.Errorf("caller: %w", err))
	}
	if err := s.node.SetPaused(caller, params.Paused); err != nil {
		return nil, errorForEngine(err)
	}
	return &ackResult{OK: true}, nil
}

func (s *Server) handleRestrictAddress(req *RPCRequest) (interface{}, *RPCError) {
	var params restrictParams
	if rpcErr := firstParam(req, &params); rpcErr != nil {
		return nil, rpcErr
	}
	caller, err := parseAddress(params.Caller)
	if err != nil {
		return nil, invalidParams(fmt.Errorf("caller: %w", err))
	}
	addr, err := parseAddress(params.Address)
	if err != nil {
		return nil, invalidParams(fmt.Errorf("address: %w", err))
	}
	if err := s.node.RestrictAddress(caller, addr, params.Restricted); err != nil {
		return nil, errorForEngine(err)
	}
	return &ackResult{OK: true}, nil
}

func (s *Server) handleSetProtocolFeeInfo(req *RPCRequest) (interface{}, *RPCError) {
	var params setFeeInfoParams
	if rpcErr := firstParam(req, &params); rpcErr != nil {
		return nil, rpcErr
	}
	caller, err := parseAddress(params.Caller)
	if err != nil {
		return nil, invalidParams(fmt.Errorf("caller: %w", err))
	}
	recipient, err := parseAddress(params.Recipient)
	if err != nil {
		return nil, invalidParams(fmt.Errorf("recipient: %w", err))
	}
	info := gateway.FeeInfo{Recipient: recipient, FeeBps: params.FeeBps}
	if err := s.node.SetProtocolFeeInfo(caller, info); err != nil {
		return nil, errorForEngine(err)
	}
	return &ackResult{OK: true}, nil
}

func (s *Server) handleSetFeeInfo(req *RPCRequest) (interface{}, *RPCError) {
	var params setFeeInfoParams
	if rpcErr := firstParam(req, &params); rpcErr != nil {
		return nil, rpcErr
	}
	caller, err := parseAddress(params.Caller)
	if err != nil {
		return nil, invalidParams(fmt.Errorf("caller: %w", err))
	}
	clientID := strings.TrimSpace(params.ClientID)
	if clientID == "" {
		return nil, invalidParams(fmt.Errorf("clientId required"))
	}
	recipient, err := parseAddress(params.Recipient)
	if err != nil {
		return nil, invalidParams(fmt.Errorf("recipient: %w", err))
	}
	info := gateway.FeeInfo{Recipient: recipient, FeeBps: params.FeeBps}
	if err := s.node.SetFeeInfo(caller, clientID, info); err != nil {
		return nil, errorForEngine(err)
	}
	return &ackResult{OK: true}, nil
}

// handleWithdraw serves both withdraw variants. Without a receiver the
// funds land back at the caller address.
func (s *Server) handleWithdraw(req *RPCRequest) (interface{}, *RPCError) {
	var params withdrawParams
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
	amount, err := parseAmount(params.Amount)
	if err != nil {
		return nil, invalidParams(fmt.Errorf("amount: %w", err))
	}
	if strings.TrimSpace(params.Receiver) == "" {
		if err := s.node.Withdraw(caller, token, amount); err != nil {
			return nil, errorForEngine(err)
		}
		return &ackResult{OK: true}, nil
	}
	receiver, err := parseAddress(params.Receiver)
	if err != nil {
		return nil, invalidParams(fmt.Errorf("receiver: %w", err))
	}
	if err := s.node.WithdrawTo(caller, token, amount, receiver); err != nil {
		return nil, errorForEngine(err)
	}
	return &ackResult{OK: true}, nil
}

func (s *Server) handleSetCapability(req *RPCRequest) (interface{}, *RPCError) {
	var params setCapabilityParams
	if rpcErr := firstParam(req, &params); rpcErr != nil {
		return nil, rpcErr
	}
	caller, err := parseAddress(params.Caller)
	if err != nil {
		return nil, invalidParams(fmt.Errorf("caller: %w", err))
	}
	addr, err := parseAddress(params.Address)
	if err != nil {
		return nil, invalidParams(fmt.Errorf("address: %w", err))
	}
	capability := gateway.Capability(strings.ToLower(strings.TrimSpace(params.Capability)))
	if !capability.Valid() {
		return nil, invalidParams(fmt.Errorf("unknown capability %q", params.Capability))
	}
	if err := s.node.SetCapability(caller, addr, capability, params.Granted); err != nil {
		return nil, errorForEngine(err)
	}
	return &ackResult{OK: true}, nil
}
