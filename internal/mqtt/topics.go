package mqtt

import "fmt"

// Topics builds the topic hierarchy for one device:
//
//	{prefix}/{device}/location
//	{prefix}/{device}/stationary
//	{prefix}/{device}/error
//	{prefix}/{device}/status
type Topics struct {
	Prefix string
	Device string
}

func (t Topics) Location() string   { return t.topic("location") }
func (t Topics) Stationary() string { return t.topic("stationary") }
func (t Topics) Errors() string     { return t.topic("error") }
func (t Topics) Status() string     { return t.topic("status") }

func (t Topics) topic(leaf string) string {
	prefix := t.Prefix
	if prefix == "" {
		prefix = "bgloc"
	}
	device := t.Device
	if device == "" {
		device = "default"
	}
	return fmt.Sprintf("%s/%s/%s", prefix, device, leaf)
}
