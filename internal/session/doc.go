// Package session manages the authenticated channels workers probe through.
//
// A Channel wraps one probe.Prober and tracks its health. Channels move
// through Active, Degrading, Refreshing and finally Dead; a refresh never
// mutates a channel in place but retires it and hands back a brand-new one
// from the Pool. Pool serializes and paces calls to the SessionFactory so a
// burst of failing workers cannot stampede the remote.
package session
