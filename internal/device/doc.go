// Package device defines the identity, addressing and native platform contract
// shared by every bridge component.
//
// It contains no behavior beyond value helpers:
//   - GattPath addressing and resolution against a discovered attribute tree
//   - UUID normalization (lowercase, no dashes, SIG base collapsed to 16-bit)
//   - the Adapter / Gatt / GattCallback interfaces a native backend implements
//   - the events pushed to the caller and the error taxonomy with its categories
package device
