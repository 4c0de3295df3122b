package cemi

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nerrad567/knxmgmt/internal/knx/telegram"
)

func TestDecodeEncode_PreservesBytes(t *testing.T) {
	tests := []struct {
		name string
		raw  []byte
	}{
		{"group write indication", []byte{0x29, 0x00, 0xBC, 0xE0, 0x11, 0x05, 0x09, 0x01, 0x01, 0x00, 0x81}},
		{"with additional info", []byte{0x29, 0x04, 0x03, 0x02, 0x00, 0x7F, 0xB4, 0xE0, 0x11, 0x05, 0x09, 0x01, 0x01, 0x00, 0x81}},
		{"confirm with error bit", []byte{0x2E, 0x00, 0xBD, 0x60, 0x11, 0xFA, 0x11, 0x05, 0x00, 0x80}},
		{"memory response", []byte{0x29, 0x00, 0xB0, 0x60, 0x11, 0x05, 0x11, 0xFA, 0x04, 0x42, 0x41, 0x00, 0x60, 0x81}},
		{"control frame", []byte{0x11, 0x00, 0xB0, 0x60, 0x00, 0x00, 0x11, 0x05, 0x00, 0x80}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := Decode(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.raw, f.Encode())
		})
	}
}

func TestDecode_Errors(t *testing.T) {
	tests := []struct {
		name string
		raw  []byte
		want error
	}{
		{"empty", nil, ErrInvalidFrame},
		{"unknown code", []byte{0x2B, 0x00, 0xBC, 0xE0, 0x11, 0x05, 0x09, 0x01, 0x00, 0x00}, ErrUnsupportedMessage},
		{"truncated", []byte{0x29, 0x00, 0xBC, 0xE0, 0x11}, ErrInvalidFrame},
		{"length mismatch", []byte{0x29, 0x00, 0xBC, 0xE0, 0x11, 0x05, 0x09, 0x01, 0x02, 0x00, 0x81}, ErrInvalidFrame},
		{"add info overruns", []byte{0x29, 0x09, 0xBC, 0xE0, 0x11, 0x05, 0x09, 0x01, 0x01, 0x00, 0x81}, ErrInvalidFrame},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.raw)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestFrame_Telegram(t *testing.T) {
	f, err := Decode([]byte{0x29, 0x00, 0xBC, 0xE0, 0x11, 0x05, 0x09, 0x01, 0x01, 0x00, 0x81})
	require.NoError(t, err)

	tg, err := f.Telegram()
	require.NoError(t, err)
	assert.Equal(t, telegram.GroupAddress{Main: 1, Middle: 1, Sub: 1}, tg.Destination)
	assert.Equal(t, telegram.IndividualAddress{Area: 1, Line: 1, Device: 5}, tg.Source)
	assert.Equal(t, telegram.Incoming, tg.Direction)
	assert.Equal(t, telegram.PriorityLow, tg.Priority)
	assert.Equal(t, telegram.DataGroup{}, tg.TPCI)
	assert.Equal(t, telegram.GroupValueWrite{Data: []byte{0x01}, Small: true}, tg.Payload)
}

func TestFrame_TelegramControl(t *testing.T) {
	f, err := Decode([]byte{0x29, 0x00, 0xB0, 0x60, 0x11, 0x05, 0x11, 0xFA, 0x00, 0xC6})
	require.NoError(t, err)

	tg, err := f.Telegram()
	require.NoError(t, err)
	assert.Equal(t, telegram.Ack{Sequence: 1}, tg.TPCI)
	assert.Nil(t, tg.Payload)
	assert.Equal(t, telegram.PrioritySystem, tg.Priority)
}

func TestFromTelegram(t *testing.T) {
	tg := telegram.New(
		telegram.IndividualAddress{Area: 1, Line: 1, Device: 5},
		telegram.DeviceDescriptorRead{},
		telegram.WithTPCI(telegram.DataConnected{Sequence: 0}),
		telegram.WithSource(telegram.IndividualAddress{Area: 1, Line: 1, Device: 250}),
	)

	f, err := FromTelegram(CodeDataRequest, tg)
	require.NoError(t, err)
	assert.Equal(t,
		[]byte{0x11, 0x00, 0xBC, 0x60, 0x11, 0xFA, 0x11, 0x05, 0x01, 0x43, 0x00},
		f.Encode())

	group, err := FromTelegram(CodeDataRequest, telegram.New(telegram.GroupAddress{Main: 1, Middle: 1, Sub: 1}, telegram.GroupValueRead{}))
	require.NoError(t, err)
	assert.Equal(t, byte(0xE0), group.Control2)
	assert.True(t, group.GroupDestination())
}

func TestFromTelegram_RequiresPayloadForData(t *testing.T) {
	_, err := FromTelegram(CodeDataRequest, telegram.Telegram{Destination: telegram.GroupAddress{Main: 1}})
	assert.ErrorIs(t, err, ErrConversion)

	_, err = FromTelegram(CodeDataRequest, telegram.Telegram{})
	assert.ErrorIs(t, err, ErrConversion)
}

func TestControlFrame_RoundTrip(t *testing.T) {
	dst := telegram.IndividualAddress{Area: 1, Line: 1, Device: 5}
	tests := []struct {
		typ  ControlType
		tpci telegram.TPCI
	}{
		{ControlConnect, telegram.Connect{}},
		{ControlDisconnect, telegram.Disconnect{}},
		{ControlAck, telegram.Ack{Sequence: 0}},
		{ControlAckNumbered, telegram.Ack{Sequence: 1}},
	}

	for _, tt := range tests {
		t.Run(tt.tpci.String(), func(t *testing.T) {
			cf := ControlFrame{Destination: dst, Type: tt.typ}
			raw := cf.Encode()
			require.Len(t, raw, ControlFrameLength)
			assert.Equal(t, []byte{0x11, 0x00, 0xB0, 0x60, 0x00, 0x00, 0x11, 0x05, 0x00, byte(tt.typ)}, raw)

			decoded, err := DecodeControlFrame(raw)
			require.NoError(t, err)
			assert.Equal(t, cf, decoded)
			assert.Equal(t, tt.tpci, decoded.TPCI())

			fromTelegram, ok := ControlFrameFor(telegram.New(dst, nil, telegram.WithTPCI(tt.tpci)))
			require.True(t, ok)
			assert.Equal(t, cf, fromTelegram)
		})
	}
}

func TestDecodeControlFrame_Errors(t *testing.T) {
	_, err := DecodeControlFrame([]byte{0x11, 0x00, 0xB0})
	assert.ErrorIs(t, err, ErrInvalidFrame)

	_, err = DecodeControlFrame([]byte{0x29, 0x00, 0xB0, 0x60, 0x00, 0x00, 0x11, 0x05, 0x00, 0x80})
	assert.ErrorIs(t, err, ErrUnsupportedMessage)

	_, err = DecodeControlFrame([]byte{0x11, 0x00, 0xB0, 0x60, 0x00, 0x00, 0x11, 0x05, 0x00, 0x42})
	assert.ErrorIs(t, err, ErrInvalidFrame)
}

func TestControlFrameFor_NoCompactForm(t *testing.T) {
	dst := telegram.IndividualAddress{Area: 1, Line: 1, Device: 5}

	_, ok := ControlFrameFor(telegram.New(dst, nil, telegram.WithTPCI(telegram.Ack{Sequence: 2})))
	assert.False(t, ok)

	_, ok = ControlFrameFor(telegram.New(dst, telegram.MemoryRead{Count: 1}, telegram.WithTPCI(telegram.DataConnected{})))
	assert.False(t, ok)

	_, ok = ControlFrameFor(telegram.New(telegram.GroupAddress{Main: 1}, telegram.GroupValueRead{}))
	assert.False(t, ok)
}
