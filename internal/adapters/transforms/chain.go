package transforms

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-multierror"

	"github.com/eleven-am/conduit/internal/domain"
	"github.com/eleven-am/conduit/internal/ports"
)

// Chain applies transformations in order. A transformation returning nil drops the
// record and ends the chain.
type Chain struct {
	transformations []ports.Transformation
}

func NewChain(transformations ...ports.Transformation) *Chain {
	return &Chain{transformations: transformations}
}

// BuildChain instantiates and configures each transform through the registry. On failure
// the transformations built so far are closed.
func BuildChain(ctx context.Context, registry ports.PluginRegistry, configs []domain.TransformConfig) (*Chain, error) {
	chain := &Chain{transformations: make([]ports.Transformation, 0, len(configs))}

	for _, cfg := range configs {
		transformation, err := registry.NewTransformation(ctx, cfg.Type)
		if err != nil {
			return nil, multierror.Append(err, chain.Close()).ErrorOrNil()
		}

		if err := transformation.Configure(cfg.Props); err != nil {
			configErr := domain.NewConfigurationError(
				fmt.Sprintf("failed to configure transform %s", cfg.Alias), err,
				domain.WithComponent("transforms.BuildChain"),
				domain.WithContextDetail("alias", cfg.Alias),
				domain.WithContextDetail("type", cfg.Type))
			return nil, multierror.Append(configErr, transformation.Close(), chain.Close()).ErrorOrNil()
		}

		chain.transformations = append(chain.transformations, transformation)
	}
	return chain, nil
}

func (c *Chain) Apply(record *ports.Record) (*ports.Record, error) {
	current := record
	for _, t := range c.transformations {
		next, err := t.Apply(current)
		if err != nil {
			return nil, err
		}
		if next == nil {
			return nil, nil
		}
		current = next
	}
	return current, nil
}

func (c *Chain) Len() int {
	return len(c.transformations)
}

func (c *Chain) Close() error {
	var result *multierror.Error
	for _, t := range c.transformations {
		if err := t.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}
