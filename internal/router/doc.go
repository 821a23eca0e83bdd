// Package router translates between client wire frames and bus events.
//
// # Inbound
//
// Every decoded frame is stamped with context.source (peer id),
// context.platform ("external-automation") and context.ident (name:peer),
// then rewritten by Kind:
//
//	answer              -> speak                 destinatary=fallback-waiter
//	query               -> utterance-recognized  client_name=external-automation, destinatary=peer
//	intent_failure      -> intent_failure        client_name=external-automation, destinatary=peer
//	converse.activate   -> converse.activate
//	converse.deactivate -> converse.deactivate
//
// Any other type is forwarded unchanged, unless safe mode is on and the type
// is missing from message_whitelist, in which case the frame is dropped.
//
// # Outbound
//
// Start subscribes two handlers:
//
//   - automation.send: deliver data.payload to data.peer, to every peer named
//     data.name, or to everyone. Failures become automation.send.error.
//   - speak: a reply whose client_name is external-automation goes back to
//     the peer in destinatary.
package router
