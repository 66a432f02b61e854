package server

import (
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"net/http"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/go-chi/chi/v5"

	"cyclegate/internal/engine"
)

type HealthResponse struct {
	Status string `json:"status" enum:"ok,degraded"`
	DB     string `json:"db"`
	Time   string `json:"time" format:"date-time"`
}

func registerHealth(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Liveness and database reachability",
	}, func(ctx context.Context, _ *struct{}) (*bodyOf[HealthResponse], error) {
		out := HealthResponse{Status: "ok", DB: "ok", Time: time.Now().UTC().Format(time.RFC3339)}
		if e.DB == nil {
			out.Status, out.DB = "degraded", "not configured"
		} else if err := e.DB.PingContext(ctx); err != nil {
			out.Status, out.DB = "degraded", err.Error()
		}
		return respond(out), nil
	})
}

var docsPage = template.Must(template.New("docs").Parse(`<!doctype html>
<html lang="en">
<head>
<meta charset="utf-8"/>
<title>cyclegate API</title>
<link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css"/>
</head>
<body>
<div id="ui"></div>
<script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
<script>
window.onload = () => SwaggerUIBundle({url: {{.SpecURL}}, dom_id: '#ui', persistAuthorization: true});
</script>
</body>
</html>`))

func registerDocs(r chi.Router, basePath string) {
	specURL := path.Join("/", basePath, "openapi.json")
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_ = docsPage.Execute(w, struct{ SpecURL string }{specURL})
	})
}

// registerOpenAPI serves the document huma builds, post-processed once on
// first request: every operation gets the error envelope as its default
// response and the security schemes the middleware accepts.
func registerOpenAPI(r chi.Router, api huma.API, basePath string, legacyHeader bool) {
	var (
		once sync.Once
		doc  []byte
	)
	r.Get(path.Join(basePath, "openapi.json"), func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			documentErrors(oas)
			documentSecurity(oas, basePath, legacyHeader)
			doc, _ = json.Marshal(oas)
		})
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(doc)
	})
}

func eachOperation(oas *huma.OpenAPI, fn func(route string, op *huma.Operation)) {
	if oas == nil {
		return
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Patch} {
			if op != nil {
				fn(route, op)
			}
		}
	}
}

// errorCodes lists the envelope codes a client can see per status.
var errorCodes = map[string][]string{
	"401": {"unauthorized"},
	"403": {"forbidden"},
	"404": {"not_found"},
	"409": {"stale_state"},
	"422": {"validation_failed", "unresolved_breaches"},
}

func documentErrors(oas *huma.OpenAPI) {
	envelope := map[string]*huma.MediaType{
		"application/json": {Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"}},
	}
	eachOperation(oas, func(_ string, op *huma.Operation) {
		if op.Responses == nil {
			op.Responses = map[string]*huma.Response{}
		}
		for status, resp := range op.Responses {
			if codes, ok := errorCodes[status]; ok && resp != nil {
				resp.Description = fmt.Sprintf("%s (%s)", http.StatusText(atoi(status)), strings.Join(codes, ", "))
			}
		}
		op.Responses["default"] = &huma.Response{Description: "Error envelope", Content: envelope}
	})
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func documentSecurity(oas *huma.OpenAPI, basePath string, legacyHeader bool) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	schemes := map[string]*huma.SecurityScheme{
		"bearerAuth": {Type: "http", Scheme: "bearer", BearerFormat: "JWT"},
		"apiKeyAuth": {Type: "apiKey", In: "header", Name: "X-Api-Key"},
	}
	names := []string{"bearerAuth", "apiKeyAuth"}
	if legacyHeader {
		schemes["actorHeader"] = &huma.SecurityScheme{Type: "apiKey", In: "header", Name: "X-Actor-Id", Description: "Unverified actor id; local use only."}
		names = append(names, "actorHeader")
	}
	oas.Components.SecuritySchemes = schemes

	required := make([]map[string][]string, 0, len(names))
	for _, name := range names {
		required = append(required, map[string][]string{name: {}})
	}
	oas.Security = required
	eachOperation(oas, func(route string, op *huma.Operation) {
		if isPublicPath(basePath, route) {
			op.Security = []map[string][]string{}
			return
		}
		op.Security = required
	})
}
