// Package card defines the itinerary card model shared by the sync engine,
// the authoritative store, and the HTTP transport.
//
// A Card is an itinerary item (hotel, food, activity, note) with schedulable
// day/order/time fields plus arbitrary payload fields. Local edits are
// described by a Patch (a partial field map) made against a Base, which is the
// remote version the editor last saw. The wire types (SaveRequest,
// SaveResponse, Outcome) form the contract of the "save cards" endpoint.
package card
