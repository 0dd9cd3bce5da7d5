package app

import (
	"context"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/jwulff/microchat/internal/transport"
)

// PickRequest is one pending device choice.
type PickRequest struct {
	Candidates []transport.Handle
	reply      chan pickReply
}

type pickReply struct {
	handle transport.Handle
	err    error
}

// Choose answers the request with the candidate at index i.
func (r *PickRequest) Choose(i int) {
	if i < 0 || i >= len(r.Candidates) {
		r.Cancel()
		return
	}
	r.reply <- pickReply{handle: r.Candidates[i]}
}

// Cancel dismisses the request.
func (r *PickRequest) Cancel() {
	r.reply <- pickReply{err: transport.ErrCancelled}
}

// Picker is the transport.Chooser backed by the TUI. Choose blocks until the
// user answers in the picker overlay.
type Picker struct {
	requests chan *PickRequest
}

// NewPicker returns an idle picker.
func NewPicker() *Picker {
	return &Picker{requests: make(chan *PickRequest)}
}

// Choose implements transport.Chooser.
func (p *Picker) Choose(ctx context.Context, candidates []transport.Handle) (transport.Handle, error) {
	req := &PickRequest{
		Candidates: candidates,
		reply:      make(chan pickReply, 1),
	}
	select {
	case p.requests <- req:
	case <-ctx.Done():
		return transport.Handle{}, transport.ErrCancelled
	}
	select {
	case r := <-req.reply:
		return r.handle, r.err
	case <-ctx.Done():
		return transport.Handle{}, transport.ErrCancelled
	}
}

// waitPickCmd delivers the next pick request to the model.
func waitPickCmd(p *Picker) tea.Cmd {
	if p == nil {
		return nil
	}
	return func() tea.Msg {
		return PickRequestMsg{Request: <-p.requests}
	}
}

// pickerState is the picker overlay shown while a request is pending.
type pickerState struct {
	request  *PickRequest
	selected int
}

func (p *pickerState) candidates() []transport.Handle {
	if p == nil || p.request == nil {
		return nil
	}
	return p.request.Candidates
}
