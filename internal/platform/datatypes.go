// Package platform verifies, once at process start, that the platform's
// fixed-width encodings match what the wire protocol assumes. A mismatch
// makes message framing impossible, so the broker must not serve.
package platform

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"unsafe"
)

// ErrWidthMismatch is wrapped by every WidthError
var ErrWidthMismatch = errors.New("platform: datatype width mismatch")

// Datatype is one wire type with its expected width in bytes
type Datatype struct {
	Name     string
	Want     int
	Memory   int // unsafe.Sizeof of the Go type
	Encoding int // encoding/binary.Size of the Go type
}

// WidthError reports one datatype whose width differs from the protocol
type WidthError struct {
	Datatype Datatype
}

func (e *WidthError) Error() string {
	d := e.Datatype
	return fmt.Sprintf("invalid size of %-7s (memory %d, wire %d, want %d)", d.Name, d.Memory, d.Encoding, d.Want)
}

func (e *WidthError) Unwrap() error { return ErrWidthMismatch }

// Datatypes returns the wire types checked at startup
func Datatypes() []Datatype {
	var (
		c   byte
		u8  uint8
		u16 uint16
		u32 uint32
		u64 uint64
		i8  int8
		i16 int16
		i32 int32
		i64 int64
		f32 float32
		f64 float64
	)
	return []Datatype{
		{"CHAR", 1, int(unsafe.Sizeof(c)), binary.Size(c)},
		{"UINT8", 1, int(unsafe.Sizeof(u8)), binary.Size(u8)},
		{"UINT16", 2, int(unsafe.Sizeof(u16)), binary.Size(u16)},
		{"UINT32", 4, int(unsafe.Sizeof(u32)), binary.Size(u32)},
		{"UINT64", 8, int(unsafe.Sizeof(u64)), binary.Size(u64)},
		{"INT8", 1, int(unsafe.Sizeof(i8)), binary.Size(i8)},
		{"INT16", 2, int(unsafe.Sizeof(i16)), binary.Size(i16)},
		{"INT32", 4, int(unsafe.Sizeof(i32)), binary.Size(i32)},
		{"INT64", 8, int(unsafe.Sizeof(i64)), binary.Size(i64)},
		{"FLOAT32", 4, int(unsafe.Sizeof(f32)), binary.Size(f32)},
		{"FLOAT64", 8, int(unsafe.Sizeof(f64)), binary.Size(f64)},
	}
}

// Check returns one WidthError per datatype whose memory or wire width
// differs from Want, joined with errors.Join. nil means all widths match.
func Check(types []Datatype) error {
	var errs []error
	for _, d := range types {
		if d.Memory != d.Want || d.Encoding != d.Want {
			errs = append(errs, &WidthError{Datatype: d})
		}
	}
	return errors.Join(errs...)
}

// CheckDatatypes runs Check over Datatypes
func CheckDatatypes() error {
	return Check(Datatypes())
}

var exit = os.Exit

// MustCheckDatatypes logs every mismatch and exits with status 1 when the
// platform does not match the protocol.
func MustCheckDatatypes(logger *slog.Logger) {
	mustCheck(logger, Datatypes())
}

func mustCheck(logger *slog.Logger, types []Datatype) {
	err := Check(types)
	if err == nil {
		logger.Debug("datatype widths verified", "types", len(types))
		return
	}
	logger.Error("platform does not match wire protocol", "error", err)
	exit(1)
}
