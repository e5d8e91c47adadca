package rpc

import (
	"context"
	"encoding/json"
	"time"
)

// Version of the daemon
const Version = "0.1.0-dev"

// NodeStatusResult is the response for node_status.
type NodeStatusResult struct {
	Running       bool   `json:"running"`
	Version       string `json:"version"`
	Network       string `json:"network"`
	Uptime        string `json:"uptime"`
	LiveSwaps     int    `json:"live_swaps"`
	TerminalSwaps int    `json:"terminal_swaps"`
	WSClients     int    `json:"ws_clients"`
	CanBitcoin    bool   `json:"can_bitcoin"`
	CanEthereum   bool   `json:"can_ethereum"`
}

func (s *Server) nodeStatus(ctx context.Context, params json.RawMessage) (interface{}, error) {
	result := &NodeStatusResult{
		Running:   true,
		Version:   Version,
		Network:   string(s.network),
		Uptime:    time.Since(s.startedAt).Round(time.Second).String(),
		WSClients: s.wsHub.ClientCount(),
	}

	if s.store != nil {
		live, terminal, err := s.store.SwapCount()
		if err == nil {
			result.LiveSwaps = live
			result.TerminalSwaps = terminal
		}
	} else {
		all, err := s.coordinator.ListByStatus(ctx)
		if err != nil {
			return nil, err
		}
		for _, sw := range all {
			if sw.Status.IsTerminal() {
				result.TerminalSwaps++
			} else {
				result.LiveSwaps++
			}
		}
	}

	if s.executor != nil {
		result.CanBitcoin = s.executor.CanBitcoin()
		result.CanEthereum = s.executor.CanEthereum()
	}
	return result, nil
}
