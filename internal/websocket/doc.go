// Package websocket streams license lifecycle events to dashboard clients.
//
// Hub implements license.Notifier and is normally fed by a
// license.Dispatcher, so slow websocket peers never hold up a license
// operation. Every event is masked before it is serialized. A client whose
// buffer fills up is disconnected rather than allowed to stall the hub.
//
// Message format (see pkg/contracts/events):
//
//	{"id":"01J...","type":"license:event","timestamp":"...","data":{"event_type":"license.renewed","key":"LIC-****4567",...}}
package websocket
