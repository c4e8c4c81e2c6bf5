package frame

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeWireless(t *testing.T) {
	buf := []byte{9, 8, 7, 6}

	got, err := DecodeWireless(buf, 3)
	require.NoError(t, err)
	assert.Equal(t, []byte{9, 8, 7}, got)

	// the returned slice must not alias the read buffer
	buf[0] = 0
	assert.Equal(t, byte(9), got[0])

	for _, n := range []int{0, -1} {
		_, err := DecodeWireless(buf, n)
		assert.ErrorIs(t, err, ErrConnectionClosed, "n=%d", n)
	}

	_, err = DecodeWireless(buf, 5)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestEncodeStatus(t *testing.T) {
	tests := []struct {
		name string
		got  StatusFrame
		want StatusFrame
	}{
		{"raw", EncodeStatus(StatusUpdate, 1, 2, 3), StatusFrame{3, 1, 2, 3}},
		{"starting", Status(Starting, 0), StatusFrame{3, 1, 0, 0}},
		{"received target", Status(ReceivedTarget, 12), StatusFrame{3, 7, 12, 0}},
		{"discovered", Discovered(1, 2), StatusFrame{1, 1, 2, 0}},
		{"finished", Done(), StatusFrame{2, 0, 0, 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("frame = %v, want %v", tt.got, tt.want)
			}
		})
	}
}

func TestEncodeMotorByte(t *testing.T) {
	tests := []struct {
		cmd  Command
		want byte
	}{
		{Command{MoveForward, 5}, 6},
		{Command{MoveBackward, 5}, 9},
		{Command{TurnForwardRight, 90}, 0},
		{Command{TurnForwardLeft, 90}, 1},
		{Command{TurnBackwardRight, 0}, 3},
		{Command{TurnBackwardLeft, 17}, 4},
		{Command{MoveForward, MaxStraightValue(MoveForward)}, 255},
		{Command{MoveBackward, MaxStraightValue(MoveBackward)}, 255},
	}
	for _, tt := range tests {
		t.Run(tt.cmd.String(), func(t *testing.T) {
			got, err := EncodeMotorByte(tt.cmd)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("EncodeMotorByte(%v) = %d, want %d", tt.cmd, got, tt.want)
			}
			again, _ := EncodeMotorByte(tt.cmd)
			if again != got {
				t.Errorf("EncodeMotorByte(%v) not deterministic: %d then %d", tt.cmd, got, again)
			}
		})
	}
}

func TestEncodeMotorByte_StraightMonotonic(t *testing.T) {
	for _, op := range []Opcode{MoveForward, MoveBackward} {
		prev, err := EncodeMotorByte(Command{op, 0})
		require.NoError(t, err)
		for v := 1; v <= int(MaxStraightValue(op)); v++ {
			cur, err := EncodeMotorByte(Command{op, uint8(v)})
			require.NoError(t, err)
			if cur <= prev {
				t.Fatalf("%s: byte for %d (%d) not greater than for %d (%d)", op, v, cur, v-1, prev)
			}
			prev = cur
		}
	}
}

func TestEncodeMotorByte_Errors(t *testing.T) {
	_, err := EncodeMotorByte(Command{MoveForward, 255})
	assert.ErrorIs(t, err, ErrValueOutOfRange)

	_, err = EncodeMotorByte(Command{CapturePhoto, 1})
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = EncodeMotorByte(Command{Opcode(42), 1})
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestDecodeProgram(t *testing.T) {
	prog, err := DecodeProgram([]byte{1, 5, 7, 1, 2, 90, 4, 10})
	require.NoError(t, err)

	want := Program{
		{MoveForward, 5},
		{CapturePhoto, 1},
		{TurnForwardRight, 90},
		{MoveBackward, 10},
	}
	if diff := cmp.Diff(want, prog); diff != "" {
		t.Errorf("program mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, []byte{1, 5, 7, 1, 2, 90, 4, 10}, EncodeProgram(prog))
}

func TestDecodeProgram_Errors(t *testing.T) {
	tests := []struct {
		name    string
		payload []byte
		want    error
	}{
		{"sos", []byte("SOS"), ErrPlannerFailure},
		{"empty", nil, ErrMalformed},
		{"odd", []byte{1, 5, 7}, ErrMalformed},
		{"unknown opcode", []byte{1, 5, 9, 1}, ErrMalformed},
		{"zero opcode", []byte{0, 0}, ErrMalformed},
		{"overflow", []byte{4, 252}, ErrValueOutOfRange},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			prog, err := DecodeProgram(tt.payload)
			if !errors.Is(err, tt.want) {
				t.Fatalf("error = %v, want %v", err, tt.want)
			}
			if prog != nil {
				t.Errorf("expected nil program, got %v", prog)
			}
		})
	}
}

func TestDecodeRecognition(t *testing.T) {
	id, err := DecodeRecognition([]byte{23, 99})
	require.NoError(t, err)
	assert.Equal(t, uint8(23), id)

	_, err = DecodeRecognition(nil)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestSentinels(t *testing.T) {
	assert.True(t, IsSOS([]byte("SOS")))
	assert.False(t, IsSOS([]byte("SOS!")))
	assert.True(t, IsClose([]byte("close")))
	assert.False(t, IsClose([]byte("clos")))
	assert.Equal(t, "ST", CapturePhoto.String())
	assert.Equal(t, "OP(42)", Opcode(42).String())
}
