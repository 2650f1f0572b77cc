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

package netout

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/cowfork/pkg/e1000"
	"gvisor.dev/cowfork/pkg/errors/kernerr"
	"gvisor.dev/cowfork/pkg/exo"
	"gvisor.dev/cowfork/pkg/kernel"
	"gvisor.dev/cowfork/pkg/log"
	"gvisor.dev/cowfork/pkg/ufork"
)

// wire records the packets that left the card.
type wire struct {
	pkts [][]byte
}

func (w *wire) sink(pkt []byte) {
	w.pkts = append(w.pkts, bytes.Clone(pkt))
}

// runNS spawns ns as the network server and runs the machine with a card
// of ndesc descriptors drained one per quantum.
func runNS(t *testing.T, ndesc int, ns func(t *testing.T, sys exo.Syscalls, out exo.EnvID)) (*kernel.Kernel, *wire) {
	t.Helper()
	w := &wire{}
	nic := e1000.New(ndesc, w.sink)
	nic.Init()
	k, err := kernel.New(kernel.Config{Console: &bytes.Buffer{}, NIC: nic, NICBurst: 1})
	if err != nil {
		t.Fatalf("kernel.New got err %v", err)
	}
	t.Cleanup(func() { k.Shutdown() })
	if _, err := k.Spawn(kernel.MinimalImage(), func(sys exo.Syscalls) {
		out, err := Start(ufork.NewProc(sys))
		if err != nil {
			t.Errorf("Start got err %v", err)
			return
		}
		ns(t, sys, out)
	}); err != nil {
		t.Fatalf("Spawn got err %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := k.Run(ctx); err != nil {
		t.Fatalf("Run got err %v", err)
	}
	return k, w
}

// trySend delivers value with the page at ReqVA, yielding until out is
// receiving.
func trySend(sys exo.Syscalls, out exo.EnvID, value uint32) error {
	for {
		err := sys.IPCTrySend(out, value, ReqVA, reqPerm)
		if err != kernerr.EIPCNotRecv {
			return err
		}
		sys.Yield()
	}
}

func TestOutputInOrder(t *testing.T) {
	var want [][]byte
	for i := 0; i < 10; i++ {
		want = append(want, []byte(fmt.Sprintf("packet %d", i)))
	}
	retriesBefore := txRetries.Value()
	k, w := runNS(t, 4, func(t *testing.T, sys exo.Syscalls, out exo.EnvID) {
		for _, pkt := range want {
			if err := Send(sys, out, pkt); err != nil {
				t.Errorf("Send(%q) got err %v", pkt, err)
			}
		}
	})
	if diff := cmp.Diff(want, w.pkts); diff != "" {
		t.Errorf("wire mismatch (-want +got):\n%s", diff)
	}
	if errs := k.ExitErrors(); len(errs) != 0 {
		t.Errorf("environments died: %v", errs)
	}
	t.Logf("%d transmit retries", txRetries.Value()-retriesBefore)
}

func TestTransmitRetriesWhileRingFull(t *testing.T) {
	w := &wire{}
	nic := e1000.New(2, w.sink)
	nic.Init()
	k, err := kernel.New(kernel.Config{Console: &bytes.Buffer{}, NIC: nic, NICBurst: 1})
	if err != nil {
		t.Fatalf("kernel.New got err %v", err)
	}
	t.Cleanup(func() { k.Shutdown() })
	retriesBefore := txRetries.Value()
	var sent []bool
	if _, err := k.Spawn(kernel.MinimalImage(), func(sys exo.Syscalls) {
		// The ring holds one packet, so each transmit after the first has
		// to wait for the card.
		for i := 0; i < 3; i++ {
			sent = append(sent, transmit(sys, log.Log(), []byte{byte(i)}))
		}
	}); err != nil {
		t.Fatalf("Spawn got err %v", err)
	}
	if err := k.Run(context.Background()); err != nil {
		t.Fatalf("Run got err %v", err)
	}
	if diff := cmp.Diff([]bool{true, true, true}, sent); diff != "" {
		t.Errorf("transmit results mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([][]byte{{0}, {1}, {2}}, w.pkts); diff != "" {
		t.Errorf("wire mismatch (-want +got):\n%s", diff)
	}
	if got := txRetries.Value() - retriesBefore; got != 2 {
		t.Errorf("transmit retries got %d want 2", got)
	}
}

func TestDropAndIgnore(t *testing.T) {
	sentBefore, droppedBefore, ignoredCount := count("sent"), count("dropped"), count("ignored")
	k, w := runNS(t, 8, func(t *testing.T, sys exo.Syscalls, out exo.EnvID) {
		// Too large for the card.
		if err := Send(sys, out, make([]byte, e1000.MaxPacket+1)); err != nil {
			t.Errorf("Send oversized got err %v", err)
		}
		// A length that runs off the request page.
		sys.PageAlloc(0, ReqVA, reqPerm)
		var hdr [headerSize]byte
		binary.LittleEndian.PutUint32(hdr[:], MaxPayload+1)
		sys.CopyOut(ReqVA, hdr[:])
		if err := trySend(sys, out, ReqOutput); err != nil {
			t.Errorf("IPCTrySend got err %v", err)
		}
		// Not an output request.
		if err := Send(sys, out, []byte("x")); err != nil {
			t.Errorf("Send got err %v", err)
		}
		if err := trySend(sys, out, ReqOutput+1); err != nil {
			t.Errorf("IPCTrySend got err %v", err)
		}
		// Not from the network server.
		p := ufork.NewProc(sys)
		if _, err := ufork.Fork(p, func(c *ufork.Proc, _ ufork.Outcome) {
			if err := Send(c.Sys(), out, []byte("intruder")); err != nil {
				t.Errorf("intruder Send got err %v", err)
			}
		}); err != nil {
			t.Errorf("Fork got err %v", err)
		}
		sys.Yield()
		if err := Send(sys, out, []byte("good")); err != nil {
			t.Errorf("Send got err %v", err)
		}
	})
	if diff := cmp.Diff([][]byte{[]byte("x"), []byte("good")}, w.pkts); diff != "" {
		t.Errorf("wire mismatch (-want +got):\n%s", diff)
	}
	if got := count("sent") - sentBefore; got != 2 {
		t.Errorf("sent got %d want 2", got)
	}
	if got := count("dropped") - droppedBefore; got != 2 {
		t.Errorf("dropped got %d want 2", got)
	}
	if got := count("ignored") - ignoredCount; got != 2 {
		t.Errorf("ignored got %d want 2", got)
	}
	if errs := k.ExitErrors(); len(errs) != 0 {
		t.Errorf("environments died: %v", errs)
	}
}

func TestSendTooLarge(t *testing.T) {
	runNS(t, 4, func(t *testing.T, sys exo.Syscalls, out exo.EnvID) {
		if err := Send(sys, out, make([]byte, MaxPayload+1)); err != kernerr.EPktTooLarge {
			t.Errorf("Send got err %v want %v", err, kernerr.EPktTooLarge)
		}
	})
}

func TestSendBadTarget(t *testing.T) {
	runNS(t, 4, func(t *testing.T, sys exo.Syscalls, out exo.EnvID) {
		if err := Send(sys, out+1, []byte("x")); err != kernerr.EBadEnv {
			t.Errorf("Send got err %v want %v", err, kernerr.EBadEnv)
		}
	})
}

// count returns the current value of the packets counter for outcome.
func count(outcome string) uint64 {
	return packets.Value(outcome)
}
