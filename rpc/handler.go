package rpc

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/tolelom/tolconsensus/consensus"
	"github.com/tolelom/tolconsensus/model"
)

// Handler serves the consensus command API over JSON-RPC: every
// method forwards a ControlCommand to the worker loop and waits on a
// one-shot reply channel, the same request/response pairing the worker
// itself relies on.
type Handler struct {
	controlCh chan<- consensus.ControlCommand
	timeout   time.Duration
}

// NewHandler creates an RPC Handler that dispatches onto a running
// consensus worker's control channel.
func NewHandler(controlCh chan<- consensus.ControlCommand) *Handler {
	return &Handler{controlCh: controlCh, timeout: 5 * time.Second}
}

// Dispatch routes an RPC request to the correct method.
func (h *Handler) Dispatch(req Request) Response {
	switch req.Method {
	case "getBlockGraphStatus":
		return h.getBlockGraphStatus(req)
	case "getActiveBlock":
		return h.getActiveBlock(req)
	case "getSelectionDraws":
		return h.getSelectionDraws(req)
	default:
		return errResponse(req.ID, CodeMethodNotFound, fmt.Sprintf("method %q not found", req.Method))
	}
}

func (h *Handler) getBlockGraphStatus(req Request) Response {
	reply := make(chan consensus.BlockGraphExport, 1)
	select {
	case h.controlCh <- consensus.GetBlockGraphStatusCmd{Reply: reply}:
	case <-time.After(h.timeout):
		return errResponse(req.ID, CodeInternalError, "consensus worker unreachable")
	}
	select {
	case export := <-reply:
		return okResponse(req.ID, export)
	case <-time.After(h.timeout):
		return errResponse(req.ID, CodeInternalError, "timed out waiting for block graph status")
	}
}

func (h *Handler) getActiveBlock(req Request) Response {
	var params struct {
		Hash string `json:"hash"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errResponse(req.ID, CodeInvalidParams, "params: "+err.Error())
	}
	if params.Hash == "" {
		return errResponse(req.ID, CodeInvalidParams, "hash is required")
	}

	reply := make(chan *model.Block, 1)
	select {
	case h.controlCh <- consensus.GetActiveBlockCmd{Hash: model.Hash(params.Hash), Reply: reply}:
	case <-time.After(h.timeout):
		return errResponse(req.ID, CodeInternalError, "consensus worker unreachable")
	}
	select {
	case block := <-reply:
		if block == nil {
			return errResponse(req.ID, CodeInternalError, "no active block for hash")
		}
		return okResponse(req.ID, block)
	case <-time.After(h.timeout):
		return errResponse(req.ID, CodeInternalError, "timed out waiting for active block")
	}
}

func (h *Handler) getSelectionDraws(req Request) Response {
	var params struct {
		Start model.Slot `json:"start"`
		End   model.Slot `json:"end"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errResponse(req.ID, CodeInvalidParams, "params: "+err.Error())
	}

	reply := make(chan consensus.GetSelectionDrawsReply, 1)
	select {
	case h.controlCh <- consensus.GetSelectionDrawsCmd{Start: params.Start, End: params.End, Reply: reply}:
	case <-time.After(h.timeout):
		return errResponse(req.ID, CodeInternalError, "consensus worker unreachable")
	}
	select {
	case got := <-reply:
		if got.Err != nil {
			return errResponse(req.ID, CodeInternalError, got.Err.Error())
		}
		return okResponse(req.ID, got.Draws)
	case <-time.After(h.timeout):
		return errResponse(req.ID, CodeInternalError, "timed out waiting for selection draws")
	}
}
