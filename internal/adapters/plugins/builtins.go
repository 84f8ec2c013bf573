package plugins

import (
	"github.com/hashicorp/go-multierror"

	"github.com/eleven-am/conduit/internal/adapters/converters"
	"github.com/eleven-am/conduit/internal/adapters/transforms"
	"github.com/eleven-am/conduit/internal/ports"
)

const BuiltinLoaderName = "builtin"

// RegisterBuiltins registers the bundled converters and transformations under one loader.
func (r *Registry) RegisterBuiltins() error {
	in := InLoader(BuiltinLoaderName)

	var result *multierror.Error
	result = multierror.Append(result,
		r.RegisterConverter(converters.JSONClass, func() ports.Converter { return converters.NewJSONConverter() }, in),
		r.RegisterConverter(converters.StringClass, func() ports.Converter { return converters.NewStringConverter() }, in),
		r.RegisterConverter(converters.BytesClass, func() ports.Converter { return converters.NewBytesConverter() }, in),
		r.RegisterTransformation(transforms.InsertFieldType, func() ports.Transformation { return transforms.NewInsertField() }, in),
		r.RegisterTransformation(transforms.RegexRouterType, func() ports.Transformation { return transforms.NewRegexRouter() }, in),
	)
	return result.ErrorOrNil()
}
