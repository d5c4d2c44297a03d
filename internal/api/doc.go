// Package api exposes external interfaces for minting and revoking exec
// claims, managing provider capabilities and deposits, and driving claim
// execution. It hosts the REST server together with health and metrics
// endpoints.
package api
