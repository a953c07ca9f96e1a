// Package unsubscribe records recipient opt-outs requested through signed
// unsubscribe links.
//
// The token is validated against the link's email and campaign before
// anything is written. The opt-out record and its "unsubscribed" engagement
// event are stored together, and the event is only appended the first time a
// given (email, campaign) pair opts out, so repeated clicks never double count.
package unsubscribe
