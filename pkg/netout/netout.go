// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package netout implements the network output environment: a user-level
// server that receives packets from the network server over IPC and queues
// them on the network card.
//
// A request is one page mapped at ReqVA holding a little-endian uint32
// length followed by the packet bytes.
package netout

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	"gvisor.dev/cowfork/pkg/errors/kernerr"
	"gvisor.dev/cowfork/pkg/exo"
	"gvisor.dev/cowfork/pkg/hostarch"
	"gvisor.dev/cowfork/pkg/log"
	"gvisor.dev/cowfork/pkg/metric"
	"gvisor.dev/cowfork/pkg/ufork"
)

const (
	// ReqVA is where request pages are mapped on both sides.
	ReqVA hostarch.Addr = 0x0ffff000

	// ReqOutput is the IPC value of an output request.
	ReqOutput = 11

	// headerSize is the size of the length prefix.
	headerSize = 4

	// MaxPayload is the largest packet a request page can carry.
	MaxPayload = hostarch.PageSize - headerSize

	reqPerm = exo.PTE_P | exo.PTE_U | exo.PTE_W
)

var (
	packets = metric.MustCreateNewUint64Metric("netout_packets_total", "Output requests handled, by outcome.",
		metric.NewField("outcome", "sent", "dropped", "ignored"))
	txRetries = metric.MustCreateNewUint64Metric("netout_tx_retries_total", "Transmit attempts retried because the ring was full.")
)

// yieldBackOff is a backoff.BackOff that gives up the processor instead of
// sleeping. Time does not pass for the simulated machine while an
// environment holds the processor, so only yielding lets the card drain.
type yieldBackOff struct {
	sys exo.Syscalls
}

// NextBackOff implements backoff.BackOff.NextBackOff.
func (b yieldBackOff) NextBackOff() time.Duration {
	b.sys.Yield()
	return 0
}

// Reset implements backoff.BackOff.Reset.
func (yieldBackOff) Reset() {}

// Serve runs the output loop of the environment sys belongs to, accepting
// requests from nsenv only. It never returns.
func Serve(sys exo.Syscalls, nsenv exo.EnvID) {
	logger := log.Prefixed(fmt.Sprintf("[%v] netout: ", sys.GetEnvID()))
	var hdr [headerSize]byte
	for {
		msg, err := sys.IPCRecv(ReqVA)
		if err != nil {
			panic(fmt.Sprintf("netout: ipc_recv: %v", err))
		}
		if msg.Value != ReqOutput || msg.From != nsenv || msg.Perm == 0 {
			logger.Debugf("ignoring request %d from %v", msg.Value, msg.From)
			packets.Increment("ignored")
			continue
		}
		if _, err := sys.CopyIn(ReqVA, hdr[:]); err != nil {
			panic(fmt.Sprintf("netout: reading request header: %v", err))
		}
		n := binary.LittleEndian.Uint32(hdr[:])
		if n > MaxPayload {
			logger.Warningf("packet of %d bytes does not fit a request page", n)
			packets.Increment("dropped")
			continue
		}
		pkt := make([]byte, n)
		if _, err := sys.CopyIn(ReqVA+headerSize, pkt); err != nil {
			panic(fmt.Sprintf("netout: reading packet: %v", err))
		}
		if transmit(sys, logger, pkt) {
			packets.Increment("sent")
		} else {
			packets.Increment("dropped")
		}
	}
}

// transmit queues pkt on the card, yielding while the ring is full. It
// returns false if the packet was dropped.
func transmit(sys exo.Syscalls, logger log.Logger, pkt []byte) bool {
	err := backoff.Retry(func() error {
		err := sys.NetTrySend(pkt)
		switch err {
		case nil:
			return nil
		case kernerr.ETxRetry:
			txRetries.Increment()
			return err
		default:
			return backoff.Permanent(err)
		}
	}, yieldBackOff{sys})
	switch err {
	case nil:
		return true
	case kernerr.EPktTooLarge:
		logger.Warningf("packet is too large in %d bytes", len(pkt))
		return false
	default:
		panic(fmt.Sprintf("netout: net_try_send: %v", err))
	}
}

// Send stages pkt in a fresh page at ReqVA and sends it to the output
// environment to, yielding until to is receiving. Each request gets its
// own page, so to can still be transmitting the previous one.
func Send(sys exo.Syscalls, to exo.EnvID, pkt []byte) error {
	if len(pkt) > MaxPayload {
		return kernerr.EPktTooLarge
	}
	if err := sys.PageAlloc(0, ReqVA, reqPerm); err != nil {
		return err
	}
	var hdr [headerSize]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(len(pkt)))
	if _, err := sys.CopyOut(ReqVA, hdr[:]); err != nil {
		return err
	}
	if _, err := sys.CopyOut(ReqVA+headerSize, pkt); err != nil {
		return err
	}
	return backoff.Retry(func() error {
		err := sys.IPCTrySend(to, ReqOutput, ReqVA, reqPerm)
		if err == nil || err == kernerr.EIPCNotRecv {
			return err
		}
		return backoff.Permanent(err)
	}, yieldBackOff{sys})
}

// Start forks an output environment serving p's environment and returns
// its id.
func Start(p *ufork.Proc) (exo.EnvID, error) {
	ns := p.ID()
	o, err := ufork.Fork(p, func(c *ufork.Proc, _ ufork.Outcome) {
		Serve(c.Sys(), ns)
	})
	if err != nil {
		return 0, err
	}
	return o.EnvID(), nil
}
