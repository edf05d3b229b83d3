package scene

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	ErrBadObjectID = errors.New("scene: bad object id")
	ErrEmptyUpdate = errors.New("scene: no fields to update")
	ErrBadValue    = errors.New("scene: bad field value")
	ErrFieldType   = errors.New("scene: field type mismatch")
)

// Fields is a partial update; nil fields are left alone.
type Fields struct {
	Position *Vec3
	Rotation *Vec3
}

func (f Fields) Empty() bool {
	return f.Position == nil && f.Rotation == nil
}

func (f Fields) validate() error {
	if f.Empty() {
		return ErrEmptyUpdate
	}
	if f.Position != nil && !f.Position.Finite() {
		return fmt.Errorf("%w: position %s", ErrBadValue, *f.Position)
	}
	if f.Rotation != nil && !f.Rotation.Finite() {
		return fmt.Errorf("%w: rotation %s", ErrBadValue, *f.Rotation)
	}
	return nil
}

// ParseFields builds an update from loosely typed input, as decoded from
// JSON or typed at a prompt. Vectors may come as Vec3, [3]float64,
// []float64, []any of numbers or a "x,y,z" string.
func ParseFields(raw map[string]any) (f Fields, err error) {
	for name, val := range raw {
		var v Vec3
		if v, err = parseVec(val); err != nil {
			return Fields{}, fmt.Errorf("%s: %w", name, err)
		}
		switch strings.ToLower(name) {
		case "position", "pos", "p":
			f.Position = &v
		case "rotation", "rot", "r":
			f.Rotation = &v
		default:
			return Fields{}, fmt.Errorf("%w: unknown field %q", ErrFieldType, name)
		}
	}
	if err = f.validate(); err != nil {
		return Fields{}, err
	}
	return f, nil
}

func parseVec(val any) (v Vec3, err error) {
	switch val := val.(type) {
	case Vec3:
		return val, nil
	case [3]float64:
		return Vec3(val), nil
	case []float64:
		if len(val) != 3 {
			return v, fmt.Errorf("%w: %d components", ErrBadValue, len(val))
		}
		copy(v[:], val)
		return v, nil
	case []any:
		if len(val) != 3 {
			return v, fmt.Errorf("%w: %d components", ErrBadValue, len(val))
		}
		for i, c := range val {
			if v[i], err = toFloat(c); err != nil {
				return v, err
			}
		}
		return v, nil
	case string:
		parts := strings.Split(strings.Trim(val, "[]() "), ",")
		if len(parts) != 3 {
			return v, fmt.Errorf("%w: %q", ErrBadValue, val)
		}
		for i, p := range parts {
			if v[i], err = strconv.ParseFloat(strings.TrimSpace(p), 64); err != nil {
				return v, fmt.Errorf("%w: %q", ErrBadValue, p)
			}
		}
		return v, nil
	default:
		return v, fmt.Errorf("%w: %T is not a vector", ErrFieldType, val)
	}
}

func toFloat(c any) (float64, error) {
	switch c := c.(type) {
	case float64:
		return c, nil
	case float32:
		return float64(c), nil
	case int:
		return float64(c), nil
	case int64:
		return float64(c), nil
	case uint64:
		return float64(c), nil
	default:
		return 0, fmt.Errorf("%w: %T is not a number", ErrFieldType, c)
	}
}
