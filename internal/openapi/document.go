// Package openapi describes the keyward HTTP API as an OpenAPI 3.1 document.
package openapi

import (
	"fmt"

	"github.com/getkin/kin-openapi/openapi3"
)

// Options selects what the document covers.
type Options struct {
	Title   string
	Version string
	// BaseURL is listed as the only server. Empty omits the servers block.
	BaseURL string
	// Gateway adds the /gw/ reverse proxy path.
	Gateway bool
}

const (
	schemePrefix  = "#/components/schemas/"
	sessionScheme = "sessionAuth"
	apiKeyScheme  = "apiKey"
	bearerKey     = "apiKeyBearer"
)

// Document builds the API description.
func Document(opts Options) *openapi3.T {
	if opts.Title == "" {
		opts.Title = "keyward API"
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}

	doc := &openapi3.T{
		OpenAPI: "3.1.0",
		Info: &openapi3.Info{
			Title:       opts.Title,
			Description: "Credential management, key admission, rate limiting and monthly usage quotas.",
			Version:     opts.Version,
		},
	}
	if opts.BaseURL != "" {
		doc.Servers = openapi3.Servers{{URL: opts.BaseURL}}
	}

	components := openapi3.NewComponents()
	components.Schemas = openapi3.Schemas{}
	components.SecuritySchemes = openapi3.SecuritySchemes{}
	doc.Components = &components

	doc.Components.SecuritySchemes[sessionScheme] = &openapi3.SecuritySchemeRef{
		Value: &openapi3.SecurityScheme{
			Type:         "http",
			Scheme:       "bearer",
			BearerFormat: "JWT",
			Description:  "Owner session token from POST /api/v1/session.",
		},
	}
	doc.Components.SecuritySchemes[apiKeyScheme] = &openapi3.SecuritySchemeRef{
		Value: &openapi3.SecurityScheme{
			Type: "apiKey",
			In:   "header",
			Name: "X-API-Key",
		},
	}
	doc.Components.SecuritySchemes[bearerKey] = &openapi3.SecuritySchemeRef{
		Value: &openapi3.SecurityScheme{
			Type:        "http",
			Scheme:      "bearer",
			Description: "An API key passed as a bearer token.",
		},
	}

	doc.Components.Schemas["ErrorResponse"] = errorSchema()
	doc.Components.Schemas["Credential"] = credentialSchema()
	doc.Components.Schemas["IssuedCredential"] = issuedCredentialSchema()
	doc.Components.Schemas["CredentialRequest"] = credentialRequestSchema()
	doc.Components.Schemas["UsageLogEntry"] = usageLogSchema()

	doc.Paths = openapi3.NewPaths()
	addProbePaths(doc)
	addSessionPaths(doc)
	addCredentialPaths(doc)
	addGatedPaths(doc, opts.Gateway)

	return doc
}

func addProbePaths(doc *openapi3.T) {
	status := openapi3.NewObjectSchema().WithProperty("status", openapi3.NewStringSchema())
	doc.Paths.Set("/healthz", &openapi3.PathItem{
		Get: publicOperation("probes", "healthz", "Liveness probe",
			newResponses("200", "Process is up", openapi3.NewSchemaRef("", status))),
	})
	doc.Paths.Set("/readyz", &openapi3.PathItem{
		Get: publicOperation("probes", "readyz", "Readiness probe",
			newResponses("200", "Store reachable", openapi3.NewSchemaRef("", status))),
	})
}

func addSessionPaths(doc *openapi3.T) {
	login := openapi3.NewObjectSchema().
		WithProperty("email", openapi3.NewStringSchema()).
		WithProperty("password", openapi3.NewStringSchema())
	login.Required = []string{"email", "password"}

	token := openapi3.NewObjectSchema().
		WithProperty("session_token", openapi3.NewStringSchema()).
		WithProperty("token_type", openapi3.NewStringSchema()).
		WithProperty("expires_in", openapi3.NewInt64Schema())

	op := publicOperation("session", "login", "Sign in as an owner",
		newResponses("200", "Session token", openapi3.NewSchemaRef("", token)))
	op.RequestBody = jsonBody("Owner credentials", openapi3.NewSchemaRef("", login))
	addStatus(op, "429", "Too many requests from this address")

	logout := sessionOperation("session", "logout", "End the session",
		newResponses("200", "Signed out", successSchema()))

	doc.Paths.Set("/api/v1/session", &openapi3.PathItem{Post: op, Delete: logout})
}

func addCredentialPaths(doc *openapi3.T) {
	const tag = "credentials"
	credRef := ref("Credential")
	idParam := &openapi3.ParameterRef{Value: openapi3.NewPathParameter("id").
		WithDescription("Credential ID").
		WithSchema(openapi3.NewStringSchema())}

	list := sessionOperation(tag, "listCredentials", "List the owner's credentials",
		newResponses("200", "Credentials", listSchema(credRef)))

	create := sessionOperation(tag, "createCredential", "Issue a new API key",
		newResponses("201", "The key, shown once", ref("IssuedCredential")))
	create.RequestBody = jsonBody("Key settings", ref("CredentialRequest"))

	doc.Paths.Set("/api/v1/credentials", &openapi3.PathItem{Get: list, Post: create})

	get := sessionOperation(tag, "getCredential", "Get a credential",
		newResponses("200", "Credential", credRef))
	update := sessionOperation(tag, "updateCredential", "Change label, quota, scopes or expiry",
		newResponses("200", "Updated credential", credRef))
	update.RequestBody = jsonBody("Fields to change; omitted fields keep their value", ref("CredentialRequest"))
	revoke := sessionOperation(tag, "revokeCredential", "Revoke a credential permanently",
		newResponses("200", "Revoked", successSchema()))

	item := &openapi3.PathItem{Get: get, Patch: update, Delete: revoke}
	item.Parameters = openapi3.Parameters{idParam}
	doc.Paths.Set("/api/v1/credentials/{id}", item)

	regenerate := sessionOperation(tag, "regenerateCredential", "Replace the key secret",
		newResponses("200", "The new key, shown once", ref("IssuedCredential")))
	addStatus(regenerate, "409", "Credential is revoked")
	doc.Paths.Set("/api/v1/credentials/{id}/regenerate", &openapi3.PathItem{
		Post:       regenerate,
		Parameters: openapi3.Parameters{idParam},
	})

	doc.Paths.Set("/api/v1/credentials/{id}/reset", &openapi3.PathItem{
		Post: sessionOperation(tag, "resetCredentialUsage", "Zero the monthly usage counter",
			newResponses("200", "Credential after reset", credRef)),
		Parameters: openapi3.Parameters{idParam},
	})

	usage := sessionOperation(tag, "listCredentialUsage", "Recent gated requests",
		newResponses("200", "Usage log, newest first", listSchema(ref("UsageLogEntry"))))
	usage.Parameters = openapi3.Parameters{
		{Value: openapi3.NewQueryParameter("limit").
			WithDescription("Maximum entries to return (1-1000, default 100)").
			WithSchema(openapi3.NewIntegerSchema())},
	}
	doc.Paths.Set("/api/v1/credentials/{id}/usage", &openapi3.PathItem{
		Get:        usage,
		Parameters: openapi3.Parameters{idParam},
	})
}

func addGatedPaths(doc *openapi3.T, gateway bool) {
	whoami := openapi3.NewObjectSchema().
		WithProperty("id", openapi3.NewStringSchema()).
		WithProperty("owner_id", openapi3.NewStringSchema()).
		WithProperty("label", openapi3.NewStringSchema()).
		WithProperty("display_prefix", openapi3.NewStringSchema()).
		WithProperty("scopes", openapi3.NewArraySchema().WithItems(openapi3.NewStringSchema())).
		WithProperty("monthly_limit", openapi3.NewInt64Schema()).
		WithProperty("monthly_usage", openapi3.NewInt64Schema()).
		WithProperty("legacy", openapi3.NewBoolSchema())

	doc.Paths.Set("/api/v1/whoami", &openapi3.PathItem{
		Get: gatedOperation("gateway", "whoami", "Describe the presented key",
			newResponses("200", "Key details", openapi3.NewSchemaRef("", whoami))),
	})

	if !gateway {
		return
	}
	proxied := func(id string) *openapi3.Operation {
		op := gatedOperation("gateway", id, "Forward to the upstream service",
			newResponses("200", "Upstream response", openapi3.NewSchemaRef("", openapi3.NewSchema())))
		op.Parameters = openapi3.Parameters{
			{Value: openapi3.NewHeaderParameter("X-Units-Estimate").
				WithDescription("Units the request expects to consume (minimum and default 1)").
				WithSchema(openapi3.NewInt64Schema())},
		}
		addStatus(op, "502", "Upstream unavailable")
		return op
	}
	pathParam := &openapi3.ParameterRef{Value: openapi3.NewPathParameter("path").
		WithSchema(openapi3.NewStringSchema())}
	doc.Paths.Set("/gw/{path}", &openapi3.PathItem{
		Get:        proxied("gatewayGet"),
		Post:       proxied("gatewayPost"),
		Put:        proxied("gatewayPut"),
		Patch:      proxied("gatewayPatch"),
		Delete:     proxied("gatewayDelete"),
		Parameters: openapi3.Parameters{pathParam},
	})
}

func publicOperation(tag, id, summary string, responses *openapi3.Responses) *openapi3.Operation {
	return &openapi3.Operation{
		Tags:        []string{tag},
		Summary:     summary,
		OperationID: id,
		Security:    &openapi3.SecurityRequirements{},
		Responses:   responses,
	}
}

func sessionOperation(tag, id, summary string, responses *openapi3.Responses) *openapi3.Operation {
	op := publicOperation(tag, id, summary, responses)
	op.Security = &openapi3.SecurityRequirements{{sessionScheme: {}}}
	addStatus(op, "401", "Missing or invalid session token")
	addStatus(op, "404", "Credential not found")
	return op
}

// gatedOperation documents the admission headers and denials shared by
// every route behind the gate.
func gatedOperation(tag, id, summary string, responses *openapi3.Responses) *openapi3.Operation {
	op := publicOperation(tag, id, summary, responses)
	op.Security = &openapi3.SecurityRequirements{{apiKeyScheme: {}}, {bearerKey: {}}}
	addStatus(op, "401", "Missing, malformed, unknown, revoked or expired key")
	addStatus(op, "403", "Key lacks the required scope")
	addStatus(op, "429", "Rate limited or monthly quota exhausted")

	if r := op.Responses.Value("200"); r != nil && r.Value != nil {
		r.Value.Headers = openapi3.Headers{
			"X-RateLimit-Limit":     intHeader("Requests allowed per window"),
			"X-RateLimit-Remaining": intHeader("Requests left in the current window"),
			"X-RateLimit-Reset":     intHeader("Seconds until the window frees a slot"),
		}
	}
	return op
}

func intHeader(desc string) *openapi3.HeaderRef {
	return &openapi3.HeaderRef{Value: &openapi3.Header{Parameter: openapi3.Parameter{
		Description: desc,
		Schema:      openapi3.NewSchemaRef("", openapi3.NewIntegerSchema()),
	}}}
}

// newResponses builds a response set with the success case plus the
// server error every route can return.
func newResponses(statusCode, description string, schema *openapi3.SchemaRef) *openapi3.Responses {
	responses := openapi3.NewResponsesWithCapacity(4)

	successDesc := description
	responses.Set(statusCode, &openapi3.ResponseRef{
		Value: &openapi3.Response{
			Description: &successDesc,
			Content:     openapi3.NewContentWithJSONSchemaRef(schema),
		},
	})

	serverErrDesc := "Internal server error"
	responses.Set("500", &openapi3.ResponseRef{
		Value: &openapi3.Response{
			Description: &serverErrDesc,
			Content:     openapi3.NewContentWithJSONSchemaRef(ref("ErrorResponse")),
		},
	})
	return responses
}

func addStatus(op *openapi3.Operation, code, description string) {
	desc := description
	op.Responses.Set(code, &openapi3.ResponseRef{
		Value: &openapi3.Response{
			Description: &desc,
			Content:     openapi3.NewContentWithJSONSchemaRef(ref("ErrorResponse")),
		},
	})
}

func jsonBody(description string, schema *openapi3.SchemaRef) *openapi3.RequestBodyRef {
	return &openapi3.RequestBodyRef{
		Value: &openapi3.RequestBody{
			Description: description,
			Required:    true,
			Content:     openapi3.NewContentWithJSONSchemaRef(schema),
		},
	}
}

func ref(name string) *openapi3.SchemaRef {
	return openapi3.NewSchemaRef(fmt.Sprintf("%s%s", schemePrefix, name), nil)
}
