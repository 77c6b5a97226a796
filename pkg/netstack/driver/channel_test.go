package driver_test

import (
	"bytes"
	"testing"

	"kernos/pkg/netstack/driver"
)

func TestTransmitCaptures(t *testing.T) {
	d := driver.NewChannel(2)

	frame := []byte{1, 2, 3}
	if err := d.Transmit(frame); err != nil {
		t.Fatalf("Transmit failed: %v", err)
	}

	// The driver must copy: mutating the original is invisible.
	frame[0] = 9

	got := <-d.C
	if !bytes.Equal(got, []byte{1, 2, 3}) {
		t.Errorf("captured frame = %v, want [1 2 3]", got)
	}
}

func TestTransmitQueueFull(t *testing.T) {
	d := driver.NewChannel(1)

	if err := d.Transmit([]byte{1}); err != nil {
		t.Fatalf("Transmit failed: %v", err)
	}
	if err := d.Transmit([]byte{2}); err == nil {
		t.Error("Transmit succeeded on a full queue")
	}
}

func TestLinkDown(t *testing.T) {
	d := driver.NewChannel(1)
	d.SetDown(true)

	if err := d.Transmit([]byte{1}); err == nil {
		t.Error("Transmit succeeded on a dead link")
	}
}
