package gateway

import (
	"sort"

	"setu/internal/registry"
)

// Operation names a routable protocol request.
type Operation string

const (
	OpDiscover             Operation = "care-contexts/discover"
	OpLinkInit             Operation = "links/link/init"
	OpLinkConfirm          Operation = "links/link/confirm"
	OpLinkAddContexts      Operation = "links/link/add-contexts"
	OpContextNotify        Operation = "links/context/notify"
	OpConsentRequestInit   Operation = "consent-requests/init"
	OpConsentRequestStatus Operation = "consent-requests/status"
	OpConsentFetch         Operation = "consents/fetch"
	OpHealthInfoCMRequest  Operation = "health-information/cm/request"
	OpHealthInfoHIPRequest Operation = "health-information/hip/request"
)

// Route binds an operation to the actor that serves it and the callback path
// the eventual reply is pushed to on the caller's base URL. Paths are
// relative to the participant's base URL, which carries any actor prefix.
type Route struct {
	Destination  registry.Role
	ForwardPath  string
	CallbackPath string
}

var routes = map[Operation]Route{
	OpDiscover: {
		Destination:  registry.RoleProvider,
		ForwardPath:  "/v0.5/care-contexts/discover",
		CallbackPath: "/v0.5/care-contexts/on-discover",
	},
	OpLinkInit: {
		Destination:  registry.RoleProvider,
		ForwardPath:  "/v0.5/links/link/init",
		CallbackPath: "/v0.5/links/link/on-init",
	},
	OpLinkConfirm: {
		Destination:  registry.RoleProvider,
		ForwardPath:  "/v0.5/links/link/confirm",
		CallbackPath: "/v0.5/links/link/on-confirm",
	},
	OpLinkAddContexts: {
		Destination:  registry.RoleConsentManager,
		ForwardPath:  "/v0.5/links/link/add-contexts",
		CallbackPath: "/v0.5/links/link/on-add-contexts",
	},
	OpContextNotify: {
		Destination:  registry.RoleConsentManager,
		ForwardPath:  "/v0.5/links/context/notify",
		CallbackPath: "/v0.5/links/context/on-notify",
	},
	OpConsentRequestInit: {
		Destination:  registry.RoleConsentManager,
		ForwardPath:  "/v0.5/consent-requests/init",
		CallbackPath: "/v0.5/consent-requests/on-init",
	},
	OpConsentRequestStatus: {
		Destination:  registry.RoleConsentManager,
		ForwardPath:  "/v0.5/consent-requests/status",
		CallbackPath: "/v0.5/consent-requests/on-status",
	},
	OpConsentFetch: {
		Destination:  registry.RoleConsentManager,
		ForwardPath:  "/v0.5/consents/fetch",
		CallbackPath: "/v0.5/consents/on-fetch",
	},
	OpHealthInfoCMRequest: {
		Destination:  registry.RoleConsentManager,
		ForwardPath:  "/v0.5/health-information/request",
		CallbackPath: "/v0.5/health-information/cm/on-request",
	},
	OpHealthInfoHIPRequest: {
		Destination:  registry.RoleProvider,
		ForwardPath:  "/v0.5/health-information/request",
		CallbackPath: "/v0.5/health-information/cm/on-request",
	},
}

// RouteFor resolves the route for an operation.
func RouteFor(op Operation) (Route, bool) {
	r, ok := routes[op]
	return r, ok
}

// Operations lists every routable operation in a stable order.
func Operations() []Operation {
	return []Operation{
		OpDiscover,
		OpLinkInit,
		OpLinkConfirm,
		OpLinkAddContexts,
		OpContextNotify,
		OpConsentRequestInit,
		OpConsentRequestStatus,
		OpConsentFetch,
		OpHealthInfoCMRequest,
		OpHealthInfoHIPRequest,
	}
}

// CallbackPaths lists every reply path the gateway accepts from actors.
func CallbackPaths() []string {
	paths := []string{}
	seen := map[string]bool{}
	for _, r := range routes {
		if !seen[r.CallbackPath] {
			seen[r.CallbackPath] = true
			paths = append(paths, r.CallbackPath)
		}
	}
	sort.Strings(paths)
	return paths
}
