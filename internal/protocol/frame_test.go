package protocol

import (
	"context"
	"encoding/binary"
	"testing"
)

// fakeEndpoint records every frame written to it and serves back
// pre-programmed responses in order.
type fakeEndpoint struct {
	writes    [][]byte
	responses [][]byte
	next      int
}

func (f *fakeEndpoint) WriteContext(_ context.Context, data []byte) (int, error) {
	cp := make([]byte, len(data))
	copy(cp, data)
	f.writes = append(f.writes, cp)
	return len(data), nil
}

func (f *fakeEndpoint) ReadContext(_ context.Context, buf []byte) (int, error) {
	resp := f.responses[f.next]
	f.next++
	n := copy(buf, resp)
	return n, nil
}

func newOKResponse() []byte {
	resp := make([]byte, 32)
	binary.LittleEndian.PutUint32(resp[12:16], 0) // non-negative result
	return resp
}

func TestSendCommandStampsHeader(t *testing.T) {
	ep := &fakeEndpoint{responses: [][]byte{newOKResponse()}}
	codec := NewCodec(ep, ep)

	buf := make([]byte, 24)
	if _, err := codec.SendCommand(context.Background(), buf, 0x12345678, 2); err != nil {
		t.Fatalf("SendCommand: %v", err)
	}

	sent := ep.writes[0]
	if got := binary.LittleEndian.Uint32(sent[0:4]); got != 24 {
		t.Errorf("length field = %d, want 24", got)
	}
	if got := binary.LittleEndian.Uint32(sent[4:8]); got != 0x12345678 {
		t.Errorf("command id field = %#x, want %#x", got, 0x12345678)
	}
	if got := binary.LittleEndian.Uint32(sent[8:12]); got != 2 {
		t.Errorf("subcommand field = %d, want 2", got)
	}
}

func TestSendCommandCounterMonotonicity(t *testing.T) {
	const n = 5
	responses := make([][]byte, n)
	for i := range responses {
		responses[i] = newOKResponse()
	}
	ep := &fakeEndpoint{responses: responses}
	codec := NewCodec(ep, ep)

	for i := 0; i < n; i++ {
		buf := make([]byte, 16)
		if _, err := codec.SendCommand(context.Background(), buf, 1, 1); err != nil {
			t.Fatalf("SendCommand %d: %v", i, err)
		}
		tag := binary.LittleEndian.Uint32(ep.writes[i][12:16])
		want := CorrelationPrefix | uint32(i)
		if tag != want {
			t.Errorf("request %d correlation tag = %#x, want %#x", i, tag, want)
		}
	}
	if codec.Counter() != n {
		t.Errorf("counter = %d, want %d", codec.Counter(), n)
	}
}

func TestSendCommandNegativeResultIsDeviceError(t *testing.T) {
	resp := make([]byte, 32)
	binary.LittleEndian.PutUint32(resp[12:16], 0xFFFFFFFF) // int32 -1
	ep := &fakeEndpoint{responses: [][]byte{resp}}
	codec := NewCodec(ep, ep)

	buf := make([]byte, 16)
	_, err := codec.SendCommand(context.Background(), buf, 1, 1)
	if err == nil {
		t.Fatal("expected error for negative result code")
	}
	var devErr *DeviceError
	if !asDeviceError(err, &devErr) {
		t.Fatalf("expected *DeviceError, got %T: %v", err, err)
	}
	if devErr.Code != -1 {
		t.Errorf("DeviceError.Code = %d, want -1", devErr.Code)
	}
	// A failed send must not have advanced the counter beyond the write
	// that actually succeeded: the write happened, the counter does
	// advance per §3 ("per successful bulk-write", not per valid
	// response), so it should be 1 here.
	if codec.Counter() != 1 {
		t.Errorf("counter = %d, want 1", codec.Counter())
	}
}

func asDeviceError(err error, target **DeviceError) bool {
	de, ok := err.(*DeviceError)
	if !ok {
		return false
	}
	*target = de
	return true
}
