// Package adminapi is an ambient, opt-in GraphQL introspection surface
// over a node's transaction table. It exists purely for operators: the
// spec treats "administrative status endpoints" as peripheral to the
// commitment protocol, and nothing in the core protocol depends on it
// being mounted. Modeled on the teacher's pkg/graphql/{schema,handler}.go.
package adminapi

import (
	"encoding/json"
	"net/http"

	gql "github.com/graphql-go/graphql"
)

// TxProvider returns the current transaction table as txid -> arbitrary
// JSON-able record. The coordinator and participant HTTP servers build one
// by converting their node's SnapshotAll/SnapshotTx table to plain maps.
type TxProvider func() map[string]interface{}

// Handler serves GraphQL queries over a node's transaction table.
type Handler struct {
	schema gql.Schema
}

// NewHandler builds the GraphQL schema and handler for nodeName (used in
// the schema's description only) backed by provider.
func NewHandler(nodeName string, provider TxProvider) (*Handler, error) {
	schema, err := buildSchema(nodeName, provider)
	if err != nil {
		return nil, err
	}
	return &Handler{schema: schema}, nil
}

func buildSchema(nodeName string, provider TxProvider) (gql.Schema, error) {
	txType := gql.NewObject(gql.ObjectConfig{
		Name:        "Transaction",
		Description: "A transaction record as known to " + nodeName,
		Fields: gql.Fields{
			"txid": &gql.Field{
				Type:        gql.NewNonNull(gql.String),
				Description: "Transaction identifier",
				Resolve: func(p gql.ResolveParams) (interface{}, error) {
					rec, _ := p.Source.(map[string]interface{})
					return rec["txid"], nil
				},
			},
			"record": &gql.Field{
				Type:        gql.NewNonNull(jsonScalar),
				Description: "The full transaction record, as returned by /status",
				Resolve: func(p gql.ResolveParams) (interface{}, error) {
					rec, _ := p.Source.(map[string]interface{})
					return rec["record"], nil
				},
			},
		},
	})

	queryType := gql.NewObject(gql.ObjectConfig{
		Name: "Query",
		Fields: gql.Fields{
			"transactions": &gql.Field{
				Type:        gql.NewList(txType),
				Description: "Every transaction this node currently knows about",
				Resolve: func(p gql.ResolveParams) (interface{}, error) {
					table := provider()
					out := make([]map[string]interface{}, 0, len(table))
					for txid, rec := range table {
						out = append(out, map[string]interface{}{"txid": txid, "record": rec})
					}
					return out, nil
				},
			},
			"tx": &gql.Field{
				Type:        txType,
				Description: "A single transaction by id",
				Args: gql.FieldConfigArgument{
					"txid": &gql.ArgumentConfig{Type: gql.NewNonNull(gql.String)},
				},
				Resolve: func(p gql.ResolveParams) (interface{}, error) {
					txid, _ := p.Args["txid"].(string)
					rec, ok := provider()[txid]
					if !ok {
						return nil, nil
					}
					return map[string]interface{}{"txid": txid, "record": rec}, nil
				},
			},
		},
	})

	return gql.NewSchema(gql.SchemaConfig{Query: queryType})
}

type graphQLRequest struct {
	Query         string                 `json:"query"`
	OperationName string                 `json:"operationName"`
	Variables     map[string]interface{} `json:"variables"`
}

// ServeHTTP handles POST /graphql.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "GraphQL only accepts POST requests", http.StatusMethodNotAllowed)
		return
	}

	var req graphQLRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"errors": []map[string]interface{}{{"message": "invalid request body"}},
		})
		return
	}

	result := gql.Do(gql.Params{
		Schema:         h.schema,
		RequestString:  req.Query,
		VariableValues: req.Variables,
		OperationName:  req.OperationName,
		Context:        r.Context(),
	})

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}

// GraphiQLHandler serves a minimal interactive GraphiQL playground pointed
// at /graphql.
func GraphiQLHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(graphiqlHTML))
	}
}

const graphiqlHTML = `<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="UTF-8">
  <title>txcommit admin console</title>
  <script crossorigin src="https://unpkg.com/react@17/umd/react.production.min.js"></script>
  <script crossorigin src="https://unpkg.com/react-dom@17/umd/react-dom.production.min.js"></script>
  <link rel="stylesheet" href="https://unpkg.com/graphiql@1.8.7/graphiql.min.css" />
</head>
<body style="margin:0;height:100vh;">
  <div id="graphiql" style="height:100vh;">Loading...</div>
  <script src="https://unpkg.com/graphiql@1.8.7/graphiql.min.js"></script>
  <script>
    const fetcher = GraphiQL.createFetcher({ url: '/graphql' });
    ReactDOM.render(
      React.createElement(GraphiQL, { fetcher, defaultQuery: '{ transactions { txid record } }' }),
      document.getElementById('graphiql'),
    );
  </script>
</body>
</html>`
