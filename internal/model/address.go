package model

import (
	"fmt"
	"strconv"
	"strings"
)

// Address names one device of an account.
type Address struct {
	Name     string `json:"name"`
	DeviceID uint32 `json:"deviceId"`
}

func (a Address) String() string {
	return fmt.Sprintf("%s.%d", a.Name, a.DeviceID)
}

func ParseAddress(s string) (Address, error) {
	i := strings.LastIndexByte(s, '.')
	if i <= 0 || i == len(s)-1 {
		return Address{}, fmt.Errorf("invalid address %q", s)
	}
	id, err := strconv.ParseUint(s[i+1:], 10, 32)
	if err != nil {
		return Address{}, fmt.Errorf("invalid device id in %q: %w", s, err)
	}
	return Address{Name: s[:i], DeviceID: uint32(id)}, nil
}
