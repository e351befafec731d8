// Package client drives a progressive estimate against a running estimator
// service: one page check, then a concurrent modernization request per
// script, with every result merged into an immutable View that subscribers
// observe as it fills in.
package client
