package alert

import (
	"context"

	"github.com/temoto/sensornet/helpers"
)

// Discard drops everything.
type Discard struct{}

func (Discard) Publish(context.Context, string, []byte, bool) error { return nil }

// Multi publishes to every sink, errors are folded.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, topic string, payload []byte, retained bool) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, topic, payload, retained); err != nil {
			errs = append(errs, err)
		}
	}
	return helpers.FoldErrors(errs)
}
