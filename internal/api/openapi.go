package api

import "github.com/mattjoyce/runnerctl/internal/lifecycle"

// buildOpenAPIDoc returns an OpenAPI 3.1 document for the HTTP surface.
func buildOpenAPIDoc(info InfoResponse) map[string]any {
	title := info.Service
	if title == "" {
		title = "runnerctl"
	}
	version := info.Version
	if version == "" {
		version = "dev"
	}

	controlBody := map[string]any{
		"required": false,
		"content": map[string]any{
			"application/json": map[string]any{
				"schema": map[string]any{"$ref": "#/components/schemas/ControlRequest"},
			},
		},
	}
	controlSecurity := []any{map[string]any{"RunnerSecret": []string{}}}
	errResponse := func(desc string) map[string]any {
		return map[string]any{
			"description": desc,
			"content": map[string]any{
				"application/json": map[string]any{
					"schema": map[string]any{"$ref": "#/components/schemas/Error"},
				},
			},
		}
	}

	paths := map[string]any{
		"/github/webhook": map[string]any{
			"post": map[string]any{
				"operationId": "githubWebhook",
				"summary":     "Receive a GitHub workflow_job delivery",
				"parameters": []any{
					map[string]any{"name": "X-Hub-Signature-256", "in": "header", "required": true, "schema": map[string]any{"type": "string"}},
					map[string]any{"name": "X-GitHub-Event", "in": "header", "required": false, "schema": map[string]any{"type": "string"}},
				},
				"responses": map[string]any{
					"200": map[string]any{"description": "Delivery acknowledged"},
					"400": errResponse("Invalid JSON payload"),
					"401": errResponse("Invalid signature"),
					"413": errResponse("Payload too large"),
					"500": errResponse("Compute or scheduling failure"),
				},
			},
		},
		"/runner/start": map[string]any{
			"post": map[string]any{
				"operationId": "runnerStart",
				"summary":     "Start a runner VM if it is not running",
				"requestBody": controlBody,
				"security":    controlSecurity,
				"responses": map[string]any{
					"200": map[string]any{"description": "starting or already_running"},
					"400": errResponse("Target could not be resolved"),
					"401": errResponse("Invalid secret"),
					"500": errResponse("Compute failure"),
				},
			},
		},
		lifecycle.StopPath: map[string]any{
			"post": map[string]any{
				"operationId": "runnerStop",
				"summary":     "Stop a runner VM unless its runner is busy",
				"requestBody": controlBody,
				"security":    controlSecurity,
				"responses": map[string]any{
					"200": map[string]any{"description": "stopping, already_stopped or skipped"},
					"400": errResponse("Target could not be resolved"),
					"401": errResponse("Invalid secret"),
					"500": errResponse("Compute failure"),
				},
			},
		},
		"/health": map[string]any{
			"get": map[string]any{
				"operationId": "health",
				"responses":   map[string]any{"200": map[string]any{"description": "Service is healthy"}},
			},
		},
		"/events": map[string]any{
			"get": map[string]any{
				"operationId": "events",
				"summary":     "Recent lifecycle events",
				"security":    controlSecurity,
				"parameters": []any{
					map[string]any{"name": "since", "in": "query", "required": false, "schema": map[string]any{"type": "integer"}},
					map[string]any{"name": "vm", "in": "query", "required": false, "schema": map[string]any{"type": "string"}},
				},
				"responses": map[string]any{
					"200": map[string]any{"description": "Buffered events"},
					"401": errResponse("Invalid secret"),
				},
			},
		},
	}

	return map[string]any{
		"openapi": "3.1.0",
		"info": map[string]any{
			"title":   title,
			"version": version,
		},
		"paths": paths,
		"components": map[string]any{
			"securitySchemes": map[string]any{
				"RunnerSecret": map[string]any{
					"type": "apiKey",
					"in":   "header",
					"name": "X-Runner-Secret",
				},
			},
			"schemas": map[string]any{
				"ControlRequest": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"vm_instance_name": map[string]any{"type": "string"},
						"vm_instance_zone": map[string]any{"type": "string"},
					},
				},
				"Error": map[string]any{
					"type":       "object",
					"properties": map[string]any{"error": map[string]any{"type": "string"}},
				},
			},
		},
	}
}
