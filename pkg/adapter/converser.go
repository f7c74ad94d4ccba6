package adapter

import (
	"context"

	"github.com/m-mizutani/rapport/pkg/model"
)

// Converser is the counterpart agent of a collaboration. It answers the last
// caller message of history given the system prompt.
type Converser interface {
	Converse(ctx context.Context, systemPrompt string, history []model.Message) (string, error)
}
