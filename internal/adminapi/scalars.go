package adminapi

import (
	"encoding/json"
	"fmt"

	"github.com/graphql-go/graphql"
	"github.com/graphql-go/graphql/language/ast"
)

// jsonScalar lets a resolver hand back an arbitrary map/slice (a
// transaction's vote set, its staged operation) without declaring a
// GraphQL object type for every shape it can take. Adapted from the
// teacher's pkg/graphql/scalars.go JSONScalar.
var jsonScalar = graphql.NewScalar(graphql.ScalarConfig{
	Name:        "JSON",
	Description: "Arbitrary JSON value",
	Serialize: func(value interface{}) interface{} {
		return value
	},
	ParseValue: func(value interface{}) interface{} {
		switch v := value.(type) {
		case string:
			var out interface{}
			if err := json.Unmarshal([]byte(v), &out); err != nil {
				return nil
			}
			return out
		default:
			return value
		}
	},
	ParseLiteral: func(valueAST ast.Value) interface{} {
		return parseLiteral(valueAST)
	},
})

func parseLiteral(valueAST ast.Value) interface{} {
	switch v := valueAST.(type) {
	case *ast.ObjectValue:
		obj := make(map[string]interface{}, len(v.Fields))
		for _, f := range v.Fields {
			obj[f.Name.Value] = parseLiteral(f.Value)
		}
		return obj
	case *ast.ListValue:
		list := make([]interface{}, len(v.Values))
		for i, val := range v.Values {
			list[i] = parseLiteral(val)
		}
		return list
	case *ast.StringValue:
		return v.Value
	case *ast.IntValue:
		var n int64
		fmt.Sscanf(v.Value, "%d", &n)
		return n
	case *ast.BooleanValue:
		return v.Value
	default:
		return nil
	}
}
