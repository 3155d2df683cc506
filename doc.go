// Package pydoll is a Chrome DevTools Protocol client for driving a
// Chromium-family browser: a single multiplexed WebSocket connection,
// an event router with implicit dialog/network-log state, a DOM finder
// and element handle/interaction engine, and an out-of-process iframe
// resolver.
package pydoll
