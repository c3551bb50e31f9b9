// Package query parses the filter expressions accepted by event search.
package query

import (
	"fmt"

	"github.com/meterlab/ammeter-pu/pkg/query/lexer"
	"github.com/meterlab/ammeter-pu/pkg/query/parser"
)

func ParseFilter(input string) ([]*parser.ValidCompareExpr, error) {
	if input == "" {
		return make([]*parser.ValidCompareExpr, 0), nil
	}

	tokens, err := lexer.Tokenize(&input)
	if err != nil {
		return nil, fmt.Errorf("error while lexing %s: %w", input, err)
	}

	ast, err := parser.Parse(tokens)
	if err != nil {
		return nil, fmt.Errorf("error while parsing %s: %w", input, err)
	}

	valid := make([]*parser.ValidCompareExpr, 0, len(ast.Exprs))

	for _, expr := range ast.Exprs {
		validExpr, err := parser.ValidateExpression(expr)
		if err != nil {
			return nil, fmt.Errorf("error while validating %s: %w", input, err)
		}

		valid = append(valid, validExpr)
	}

	return valid, nil
}
