package swagger

import "github.com/swaggo/swag"

const docTemplate = `{
    "swagger": "2.0",
    "info": {
        "title": "SIS Registrar API",
        "description": "Enrollment, period scheduling and billing administration",
        "version": "1.0.0"
    },
    "basePath": "/api/v1",
    "schemes": [
        "http"
    ],
    "tags": [
        {"name": "Enrollments", "description": "Enrollment lifecycle"},
        {"name": "Periods", "description": "Enrollment period scheduling"},
        {"name": "Fees", "description": "Fee schedule management"},
        {"name": "Billing", "description": "Invoices and the payment ledger"},
        {"name": "Audit", "description": "Audit trail"}
    ],
    "paths": {
        "/health": {
            "get": {
                "summary": "Health check",
                "responses": {
                    "200": {"description": "OK"}
                }
            }
        },
        "/enrollments": {
            "get": {
                "tags": ["Enrollments"],
                "summary": "List enrollments",
                "responses": {"200": {"description": "OK"}}
            },
            "post": {
                "tags": ["Enrollments"],
                "summary": "Submit an enrollment application",
                "responses": {"201": {"description": "Created"}}
            }
        },
        "/enrollments/{id}/approve": {
            "put": {
                "tags": ["Enrollments"],
                "summary": "Approve a pending enrollment",
                "responses": {"200": {"description": "OK"}}
            }
        },
        "/enrollments/{id}/reject": {
            "put": {
                "tags": ["Enrollments"],
                "summary": "Reject a pending enrollment",
                "responses": {"200": {"description": "OK"}}
            }
        },
        "/enrollments/bulk-approve": {
            "post": {
                "tags": ["Enrollments"],
                "summary": "Approve a batch of pending enrollments",
                "responses": {"200": {"description": "OK"}}
            }
        },
        "/periods": {
            "get": {
                "tags": ["Periods"],
                "summary": "List enrollment periods",
                "responses": {"200": {"description": "OK"}}
            },
            "post": {
                "tags": ["Periods"],
                "summary": "Create an enrollment period",
                "responses": {"201": {"description": "Created"}}
            }
        },
        "/periods/active": {
            "get": {
                "tags": ["Periods"],
                "summary": "Get the active enrollment period",
                "responses": {"200": {"description": "OK"}}
            }
        },
        "/fee-schedules": {
            "get": {
                "tags": ["Fees"],
                "summary": "List fee schedules",
                "responses": {"200": {"description": "OK"}}
            },
            "post": {
                "tags": ["Fees"],
                "summary": "Create a fee schedule",
                "responses": {"201": {"description": "Created"}}
            }
        },
        "/invoices": {
            "get": {
                "tags": ["Billing"],
                "summary": "List invoices",
                "responses": {"200": {"description": "OK"}}
            },
            "post": {
                "tags": ["Billing"],
                "summary": "Issue an invoice",
                "responses": {"201": {"description": "Created"}}
            }
        },
        "/invoices/{id}/payments": {
            "get": {
                "tags": ["Billing"],
                "summary": "List the payment ledger",
                "responses": {"200": {"description": "OK"}}
            },
            "post": {
                "tags": ["Billing"],
                "summary": "Record a payment",
                "responses": {"201": {"description": "Created"}}
            }
        }
    },
    "definitions": {
        "Pagination": {
            "type": "object",
            "properties": {
                "page": {"type": "integer"},
                "pageSize": {"type": "integer"},
                "totalCount": {"type": "integer"}
            }
        },
        "APIError": {
            "type": "object",
            "properties": {
                "code": {"type": "string"},
                "message": {"type": "string"},
                "status": {"type": "integer"}
            }
        },
        "ResponseEnvelope": {
            "type": "object",
            "properties": {
                "data": {"type": "object"},
                "error": {"$ref": "#/definitions/APIError"},
                "pagination": {"$ref": "#/definitions/Pagination"},
                "meta": {"type": "object"}
            }
        }
    }
}`

type swaggerDoc struct{}

// ReadDoc returns the Swagger document.
func (s *swaggerDoc) ReadDoc() string {
	return docTemplate
}

func init() {
	swag.Register(swag.Name, &swaggerDoc{})
}
