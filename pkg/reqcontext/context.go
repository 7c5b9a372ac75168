// Package reqcontext defines the request-scoped Context carried from
// URL parsing through authorization into the Registry, per the data
// model in spec.md §3.
package reqcontext

// Endpoint identifies which part of the /v2 surface a request targets.
type Endpoint string

const (
	EndpointPing         Endpoint = "ping"
	EndpointTagsList     Endpoint = "tags_list"
	EndpointBlobsUploads Endpoint = "blobs_uploads"
	EndpointBlobs        Endpoint = "blobs"
	EndpointManifests    Endpoint = "manifests"
	EndpointCatalog      Endpoint = "catalog"
)

// Action is the access-control action derived from the HTTP method,
// per spec.md §4.6: GET/HEAD -> pull, POST/PUT/PATCH/DELETE -> push.
type Action string

const (
	ActionPull Action = "pull"
	ActionPush Action = "push"
)

// Context is the request-scoped carrier built from the URL path and
// method before authentication/authorization runs.
type Context struct {
	Repo       string
	Endpoint   Endpoint
	ResourceID string // digest, tag, or upload session UUID, as applicable
	Method     string
	Action     Action

	// Subject is populated by the AuthAdapter after authentication;
	// empty until then.
	Subject string
}

// ActionForMethod derives the required action from an HTTP method per
// spec.md §4.6.
func ActionForMethod(method string) Action {
	switch method {
	case "GET", "HEAD":
		return ActionPull
	default:
		return ActionPush
	}
}
