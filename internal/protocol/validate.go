package protocol

import (
	"errors"
	"fmt"

	"github.com/tidwall/gjson"
)

const (
	maxEventNameLength = 100
	maxDataProperties  = 100
)

// ErrInvalidPayload indicates that a message payload does not match the
// schema for its type.
var ErrInvalidPayload = errors.New("protocol: invalid payload")

// Validate checks an inbound payload against the schema for its message
// type. It has no side effects; a failure maps to a 400 upstream.
func Validate(messageType string, data []byte) error {
	switch messageType {
	case TypeRegister:
		return validateRegister(data)
	case TypeAuth:
		return validateAuth(data)
	case TypePostEvent:
		return validatePostEvent(data)
	case TypePostSnapshot:
		return validatePostSnapshot(data)
	case TypeFetch:
		return validateFetch(data)
	default:
		return fmt.Errorf("%w: unknown message type %q", ErrInvalidPayload, messageType)
	}
}

// register carries no required fields; an absent payload is fine.
func validateRegister(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if !gjson.ValidBytes(data) {
		return fmt.Errorf("%w: register payload is not valid JSON", ErrInvalidPayload)
	}
	return nil
}

func validateAuth(data []byte) error {
	root, err := parseObject(data, TypeAuth)
	if err != nil {
		return err
	}
	if err := requireString(root, "groupKey"); err != nil {
		return err
	}
	if err := requireString(root, "clientId"); err != nil {
		return err
	}
	if version := root.Get("version"); version.Exists() && version.Type != gjson.String {
		return fmt.Errorf("%w: version must be a string", ErrInvalidPayload)
	}
	return nil
}

func validatePostEvent(data []byte) error {
	root, err := parseObject(data, TypePostEvent)
	if err != nil {
		return err
	}
	if err := requireString(root, "id"); err != nil {
		return err
	}
	if err := requireString(root, "event"); err != nil {
		return err
	}
	if len(root.Get("event").String()) > maxEventNameLength {
		return fmt.Errorf("%w: event name exceeds %d characters", ErrInvalidPayload, maxEventNameLength)
	}
	return requireBoundedObject(root, "data")
}

func validatePostSnapshot(data []byte) error {
	root, err := parseObject(data, TypePostSnapshot)
	if err != nil {
		return err
	}
	if err := requireString(root, "id"); err != nil {
		return err
	}
	return requireBoundedObject(root, "data")
}

func validateFetch(data []byte) error {
	root, err := parseObject(data, TypeFetch)
	if err != nil {
		return err
	}
	since := root.Get("since")
	if !since.Exists() || since.Type != gjson.Number {
		return fmt.Errorf("%w: since must be a number", ErrInvalidPayload)
	}
	return nil
}

func parseObject(data []byte, messageType string) (gjson.Result, error) {
	if len(data) == 0 || !gjson.ValidBytes(data) {
		return gjson.Result{}, fmt.Errorf("%w: %s payload is not valid JSON", ErrInvalidPayload, messageType)
	}
	root := gjson.ParseBytes(data)
	if !root.IsObject() {
		return gjson.Result{}, fmt.Errorf("%w: %s payload must be an object", ErrInvalidPayload, messageType)
	}
	return root, nil
}

func requireString(root gjson.Result, field string) error {
	value := root.Get(field)
	if value.Type != gjson.String || value.String() == "" {
		return fmt.Errorf("%w: %s must be a non-empty string", ErrInvalidPayload, field)
	}
	return nil
}

func requireBoundedObject(root gjson.Result, field string) error {
	value := root.Get(field)
	if !value.IsObject() {
		return fmt.Errorf("%w: %s must be an object", ErrInvalidPayload, field)
	}
	properties := 0
	value.ForEach(func(_, _ gjson.Result) bool {
		properties++
		return properties <= maxDataProperties
	})
	if properties > maxDataProperties {
		return fmt.Errorf("%w: %s exceeds %d properties", ErrInvalidPayload, field, maxDataProperties)
	}
	return nil
}
