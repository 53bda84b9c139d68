package events

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// MetadataTopic names the message metadata key holding the signal topic.
const MetadataTopic = "signal"

// ErrInvalid marks a message that can never be processed.
var ErrInvalid = errors.New("invalid signal")

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func getValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// Validate checks a signal's field constraints.
func Validate(sig Signal) error {
	err := getValidator().Struct(sig)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) {
		msgs := make([]string, 0, len(fieldErrs))
		for _, fe := range fieldErrs {
			msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
		}
		return fmt.Errorf("%w: %s: %s", ErrInvalid, sig.Topic(), strings.Join(msgs, "; "))
	}
	return fmt.Errorf("%w: %v", ErrInvalid, err)
}

// Encode validates a signal and wraps it in a watermill message.
func Encode(sig Signal) (*message.Message, error) {
	if err := Validate(sig); err != nil {
		return nil, err
	}
	data, err := json.Marshal(sig)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", sig.Topic(), err)
	}
	msg := message.NewMessage(uuid.NewString(), data)
	msg.Metadata.Set(MetadataTopic, sig.Topic())
	return msg, nil
}

// Decode unmarshals and validates a message payload. Failures wrap
// ErrInvalid.
func Decode[T Signal](msg *message.Message) (T, error) {
	var sig T
	if err := json.Unmarshal(msg.Payload, &sig); err != nil {
		return sig, fmt.Errorf("%w: unmarshal %s: %v", ErrInvalid, sig.Topic(), err)
	}
	if err := Validate(sig); err != nil {
		return sig, err
	}
	return sig, nil
}

// Publish encodes a signal and publishes it on its topic.
func Publish(pub message.Publisher, sig Signal) error {
	msg, err := Encode(sig)
	if err != nil {
		return err
	}
	if err := pub.Publish(sig.Topic(), msg); err != nil {
		return fmt.Errorf("publish %s: %w", sig.Topic(), err)
	}
	return nil
}
