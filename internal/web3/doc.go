// Package web3 houses the execution substrate abstractions: the call
// specification produced by provider modules, the dispatcher interface the
// engine uses to deliver an action to a user proxy, and multi-chain
// configuration helpers. Concrete EVM connectivity lives in the ethereum
// subpackage; an in-memory dispatcher is provided for tests and local runs.
package web3
