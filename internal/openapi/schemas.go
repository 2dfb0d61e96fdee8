package openapi

import "github.com/getkin/kin-openapi/openapi3"

func errorSchema() *openapi3.SchemaRef {
	detail := openapi3.NewObjectSchema().
		WithProperty("code", openapi3.NewInt32Schema()).
		WithProperty("reason", openapi3.NewStringSchema().WithEnum(
			"missing_credential", "malformed_credential", "unknown_credential",
			"inactive_credential", "expired_credential", "scope_denied",
			"rate_limited", "quota_exceeded", "invalid_request", "unauthorized",
			"not_found", "conflict", "ip_rate_limited", "upstream_unavailable",
			"internal_error",
		)).
		WithProperty("message", openapi3.NewStringSchema()).
		WithProperty("context", openapi3.NewObjectSchema())
	detail.Required = []string{"code", "message"}

	return openapi3.NewSchemaRef("", openapi3.NewObjectSchema().WithProperty("error", detail))
}

func credentialSchema() *openapi3.SchemaRef {
	s := openapi3.NewObjectSchema().
		WithProperty("id", openapi3.NewStringSchema()).
		WithProperty("owner_id", openapi3.NewStringSchema()).
		WithProperty("label", openapi3.NewStringSchema()).
		WithProperty("display_prefix", described(openapi3.NewStringSchema(),
			"First characters of the key, safe to display")).
		WithProperty("fingerprint", described(openapi3.NewStringSchema(),
			"Public fingerprint for support lookups; absent on legacy keys")).
		WithProperty("scopes", openapi3.NewArraySchema().WithItems(openapi3.NewStringSchema())).
		WithProperty("monthly_limit", openapi3.NewInt64Schema()).
		WithProperty("monthly_usage", openapi3.NewInt64Schema()).
		WithProperty("is_active", openapi3.NewBoolSchema()).
		WithProperty("expires_at", openapi3.NewDateTimeSchema()).
		WithProperty("last_used_at", openapi3.NewDateTimeSchema()).
		WithProperty("last_reset_at", openapi3.NewDateTimeSchema()).
		WithProperty("created_at", openapi3.NewDateTimeSchema()).
		WithProperty("updated_at", openapi3.NewDateTimeSchema())
	s.Required = []string{"id", "owner_id", "display_prefix", "monthly_limit", "monthly_usage", "is_active"}
	return openapi3.NewSchemaRef("", s)
}

func issuedCredentialSchema() *openapi3.SchemaRef {
	s := openapi3.NewObjectSchema()
	s.AllOf = openapi3.SchemaRefs{
		ref("Credential"),
		openapi3.NewSchemaRef("", openapi3.NewObjectSchema().
			WithProperty("api_key", described(openapi3.NewStringSchema().WithPattern("^kw_[0-9a-f]{64}$"),
				"The plaintext key. It is returned only once."))),
	}
	return openapi3.NewSchemaRef("", s)
}

func credentialRequestSchema() *openapi3.SchemaRef {
	return openapi3.NewSchemaRef("", openapi3.NewObjectSchema().
		WithProperty("label", openapi3.NewStringSchema()).
		WithProperty("monthly_limit", described(openapi3.NewInt64Schema().WithMin(0),
			"Units per calendar month. Defaults to the server default.")).
		WithProperty("scopes", described(openapi3.NewArraySchema().WithItems(openapi3.NewStringSchema()),
			"An empty list grants every scope")).
		WithProperty("expires_at", openapi3.NewDateTimeSchema()))
}

func usageLogSchema() *openapi3.SchemaRef {
	return openapi3.NewSchemaRef("", openapi3.NewObjectSchema().
		WithProperty("id", openapi3.NewStringSchema()).
		WithProperty("credential_id", openapi3.NewStringSchema()).
		WithProperty("endpoint", openapi3.NewStringSchema()).
		WithProperty("method", openapi3.NewStringSchema()).
		WithProperty("outcome", openapi3.NewStringSchema()).
		WithProperty("status_code", openapi3.NewInt32Schema()).
		WithProperty("units", openapi3.NewInt64Schema()).
		WithProperty("latency_ms", openapi3.NewFloat64Schema()).
		WithProperty("request_id", openapi3.NewStringSchema()).
		WithProperty("metadata", openapi3.NewObjectSchema()).
		WithProperty("created_at", openapi3.NewDateTimeSchema()))
}

func successSchema() *openapi3.SchemaRef {
	return openapi3.NewSchemaRef("", openapi3.NewObjectSchema().
		WithProperty("success", openapi3.NewBoolSchema()).
		WithProperty("message", openapi3.NewStringSchema()))
}

// listSchema wraps items in the standard list envelope.
func listSchema(items *openapi3.SchemaRef) *openapi3.SchemaRef {
	resource := openapi3.NewArraySchema()
	resource.Items = items
	meta := openapi3.NewObjectSchema().WithProperty("count", openapi3.NewInt64Schema())
	return openapi3.NewSchemaRef("", openapi3.NewObjectSchema().
		WithProperty("resource", resource).
		WithProperty("meta", meta))
}

func described(s *openapi3.Schema, desc string) *openapi3.Schema {
	s.Description = desc
	return s
}
