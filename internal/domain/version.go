package domain

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var ErrInvalidVersion = errors.New("invalid version")

// Version is "protocol.major.minor". Only Major matters for compatibility.
type Version struct {
	Protocol int
	Major    int
	Minor    int
}

func ParseVersion(s string) (Version, error) {
	parts := strings.Split(strings.TrimSpace(s), ".")
	if len(parts) < 2 || len(parts) > 3 {
		return Version{}, fmt.Errorf("%w: %q", ErrInvalidVersion, s)
	}
	nums := [3]int{}
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return Version{}, fmt.Errorf("%w: %q", ErrInvalidVersion, s)
		}
		nums[i] = n
	}
	return Version{Protocol: nums[0], Major: nums[1], Minor: nums[2]}, nil
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Protocol, v.Major, v.Minor)
}

// ImplType names the embedding application. Rooms only accept peers of the same type.
type ImplType string

const MaxImplTypeLen = 16

var ErrImplTypeTooLong = errors.New("implementation type too long")

func NewImplType(s string) (ImplType, error) {
	if len(s) > MaxImplTypeLen {
		return "", ErrImplTypeTooLong
	}
	return ImplType(s), nil
}
