//go:build !(linux && (386 || amd64 || arm || arm64 || loong64 || riscv64))

package hostusb

func (u *usb) controlLarge(rType, request uint8, val, idx uint16, data []byte) (int, error) {
	n, err := u.dev.Control(rType, request, val, idx, data)
	return n, mapError(err)
}
