// Package metrics defines the flowlink_* Prometheus collectors.
//
// Components receive a *Metrics and call its recorder methods; passing nil
// disables recording without any checks at the call sites. The gateway
// mounts Handler at metrics.path when metrics are enabled.
package metrics
