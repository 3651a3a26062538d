package config

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/go-viper/mapstructure/v2"
)

// ByteSize is a memory amount in bytes. It decodes from plain numbers or
// strings such as "500M" and "1G" (binary units).
type ByteSize uint64

// ParseByteSize parses s with binary units.
func ParseByteSize(s string) (ByteSize, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "0" {
		return 0, nil
	}
	n, err := units.RAMInBytes(s)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, fmt.Errorf("negative size %q", s)
	}
	return ByteSize(n), nil
}

func (b ByteSize) String() string {
	return units.BytesSize(float64(b))
}

// Watch is either a switch or a list of roots; a non-empty list turns
// watching on.
type Watch struct {
	Enabled bool
	Paths   []string
}

var (
	durationType = reflect.TypeOf(time.Duration(0))
	byteSizeType = reflect.TypeOf(ByteSize(0))
	watchType    = reflect.TypeOf(Watch{})
)

// durationHook accepts Go duration strings; bare numbers are milliseconds.
func durationHook() mapstructure.DecodeHookFuncType {
	return func(_ reflect.Type, to reflect.Type, data any) (any, error) {
		if to != durationType {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			v = strings.TrimSpace(v)
			if v == "" {
				return time.Duration(0), nil
			}
			if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
				return time.Duration(ms) * time.Millisecond, nil
			}
			return time.ParseDuration(v)
		case int:
			return time.Duration(v) * time.Millisecond, nil
		case int64:
			return time.Duration(v) * time.Millisecond, nil
		case float64:
			return time.Duration(v * float64(time.Millisecond)), nil
		}
		return data, nil
	}
}

func byteSizeHook() mapstructure.DecodeHookFuncType {
	return func(_ reflect.Type, to reflect.Type, data any) (any, error) {
		if to != byteSizeType {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return ParseByteSize(v)
		case int:
			if v < 0 {
				return nil, fmt.Errorf("negative size %d", v)
			}
			return ByteSize(v), nil
		case int64:
			if v < 0 {
				return nil, fmt.Errorf("negative size %d", v)
			}
			return ByteSize(v), nil
		case float64:
			if v < 0 {
				return nil, fmt.Errorf("negative size %v", v)
			}
			return ByteSize(v), nil
		}
		return data, nil
	}
}

func watchHook() mapstructure.DecodeHookFuncType {
	return func(_ reflect.Type, to reflect.Type, data any) (any, error) {
		if to != watchType {
			return data, nil
		}
		switch v := data.(type) {
		case bool:
			return Watch{Enabled: v}, nil
		case string:
			if b, err := strconv.ParseBool(v); err == nil {
				return Watch{Enabled: b}, nil
			}
			if strings.TrimSpace(v) == "" {
				return Watch{}, nil
			}
			return Watch{Enabled: true, Paths: []string{v}}, nil
		case []string:
			return Watch{Enabled: len(v) > 0, Paths: v}, nil
		case []any:
			paths := make([]string, 0, len(v))
			for _, p := range v {
				s, ok := p.(string)
				if !ok {
					return nil, fmt.Errorf("watch: expected string path, got %T", p)
				}
				paths = append(paths, s)
			}
			return Watch{Enabled: len(paths) > 0, Paths: paths}, nil
		case nil:
			return Watch{}, nil
		}
		return nil, fmt.Errorf("watch: expected bool or list of paths, got %T", data)
	}
}
