// Copyright 2026 The Userspacefs Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package nfs

import (
	"testing"

	"github.com/rianhunter/userspacefs/pkg/fs"
	"github.com/rianhunter/userspacefs/pkg/ops"
)

func TestHandleRoundTrip(t *testing.T) {
	c, err := newHandleCodec(nil)
	if err != nil {
		t.Fatal(err)
	}
	fh := c.encode(ops.NodeID(42), 7)
	if len(fh) != handleLen {
		t.Fatalf("handle length %d, want %d", len(fh), handleLen)
	}
	node, gen, err := c.decode(fh)
	if err != nil {
		t.Fatal(err)
	}
	if node != 42 || gen != 7 {
		t.Fatalf("decoded (%d, %d), want (42, 7)", node, gen)
	}
}

func TestHandleTamperReadsStale(t *testing.T) {
	c, err := newHandleCodec(nil)
	if err != nil {
		t.Fatal(err)
	}
	fh := c.encode(ops.NodeID(42), 7)

	for _, i := range []int{0, 8, handleBodyLen, handleLen - 1} {
		bad := append([]byte(nil), fh...)
		bad[i] ^= 0x01
		if _, _, err := c.decode(bad); fs.KindOf(err) != fs.StaleHandle {
			t.Errorf("byte %d flipped: got %v, want StaleHandle", i, err)
		}
	}
}

func TestHandleWrongKeyReadsStale(t *testing.T) {
	a, err := newHandleCodec(nil)
	if err != nil {
		t.Fatal(err)
	}
	b, err := newHandleCodec(nil)
	if err != nil {
		t.Fatal(err)
	}
	fh := a.encode(ops.RootNode, 1)
	if _, _, err := b.decode(fh); fs.KindOf(err) != fs.StaleHandle {
		t.Fatalf("handle from another key: got %v, want StaleHandle", err)
	}
}

func TestHandleBadLengthReadsStale(t *testing.T) {
	c, err := newHandleCodec(nil)
	if err != nil {
		t.Fatal(err)
	}
	for _, n := range []int{0, 1, handleLen - 1, handleLen + 1} {
		if _, _, err := c.decode(make([]byte, n)); fs.KindOf(err) != fs.StaleHandle {
			t.Errorf("%d-byte handle: got %v, want StaleHandle", n, err)
		}
	}
}

func TestHandleKeyPinning(t *testing.T) {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	a, err := newHandleCodec(key)
	if err != nil {
		t.Fatal(err)
	}
	b, err := newHandleCodec(key)
	if err != nil {
		t.Fatal(err)
	}
	node, gen, err := b.decode(a.encode(ops.NodeID(3), 9))
	if err != nil {
		t.Fatal(err)
	}
	if node != 3 || gen != 9 {
		t.Fatalf("decoded (%d, %d), want (3, 9)", node, gen)
	}
}

func TestHandleKeyTooLong(t *testing.T) {
	if _, err := newHandleCodec(make([]byte, 65)); err == nil {
		t.Fatal("65-byte key accepted")
	}
}
