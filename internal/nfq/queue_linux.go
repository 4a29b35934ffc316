// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build linux

package nfq

import (
	"context"
	"time"

	nfqueue "github.com/florianl/go-nfqueue/v2"

	"grimm.is/flowtrack/internal/errors"
)

// open binds to the netfilter queue and answers every packet with the
// handler's decision.
func open(ctx context.Context, opts Options, h Handler) error {
	// GSO packets arrive unsegmented; the tracker only reads headers.
	var flags uint32 = nfqueue.NfQaCfgFlagGSO
	if opts.FailOpen {
		flags |= nfqueue.NfQaCfgFlagFailOpen
	}
	nf, err := nfqueue.Open(&nfqueue.Config{
		NfQueue:      opts.Num,
		MaxPacketLen: 0xffff,
		MaxQueueLen:  opts.MaxLen,
		Copymode:     nfqueue.NfQnlCopyPacket,
		Flags:        flags,
		WriteTimeout: 100 * time.Millisecond,
	})
	if err != nil {
		return errors.Wrapf(err, errors.KindUnavailable, "open nfqueue %d", opts.Num)
	}
	defer nf.Close()

	hook := func(a nfqueue.Attribute) int {
		if a.PacketID == nil {
			return 0
		}
		var payload []byte
		if a.Payload != nil {
			payload = *a.Payload
		}
		d := h.Handle(Request{ID: *a.PacketID, Payload: payload})
		verdict := nfqueue.NfDrop
		if d.Accept {
			verdict = nfqueue.NfAccept
		}
		var err error
		if d.Mark != 0 {
			err = nf.SetVerdictWithMark(d.ID, verdict, int(d.Mark))
		} else {
			err = nf.SetVerdict(d.ID, verdict)
		}
		if err != nil {
			h.VerdictFailed(d.ID, err)
		}
		return 0
	}
	onError := func(err error) int {
		if ctx.Err() != nil {
			return 1
		}
		h.ReceiveFailed(err)
		return 0
	}
	if err := nf.RegisterWithErrorFunc(ctx, hook, onError); err != nil {
		return errors.Wrapf(err, errors.KindUnavailable, "register nfqueue %d", opts.Num)
	}

	<-ctx.Done()
	return nil
}
