// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build linux
// +build linux

package devwatch

import (
	"context"
	"net/netip"

	"github.com/vishvananda/netlink"

	"grimm.is/flowtrack/internal/errors"
)

// subscribe streams RTM_NEWADDR/RTM_DELADDR notifications.
func subscribe(ctx context.Context, out chan<- Update) error {
	ch := make(chan netlink.AddrUpdate, 64)
	done := make(chan struct{})
	defer close(done)

	errCh := make(chan error, 1)
	opts := netlink.AddrSubscribeOptions{
		ErrorCallback: func(err error) {
			select {
			case errCh <- err:
			default:
			}
		},
	}
	if err := netlink.AddrSubscribeWithOptions(ch, done, opts); err != nil {
		return errors.Wrap(err, errors.KindUnavailable, "subscribe to address updates")
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-errCh:
			return errors.Wrap(err, errors.KindUnavailable, "address updates")
		case au, ok := <-ch:
			if !ok {
				return errors.New(errors.KindUnavailable, "address update channel closed")
			}
			u, ok := toUpdate(au)
			if !ok {
				continue
			}
			select {
			case out <- u:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

func toUpdate(au netlink.AddrUpdate) (Update, bool) {
	addr, ok := netip.AddrFromSlice(au.LinkAddress.IP)
	if !ok {
		return Update{}, false
	}
	return Update{
		Addr:      addr.Unmap(),
		LinkIndex: au.LinkIndex,
		Removed:   !au.NewAddr,
	}, true
}
