package buscli

import (
	"fmt"
	"strings"

	"github.com/godbus/dbus/v5"
	json "github.com/json-iterator/go"
	"sigs.k8s.io/yaml"

	"github.com/cri-o/busconn/pkg/message"
)

// Output formats of the client commands.
const (
	OutputJSON = "json"
	OutputYAML = "yaml"
)

// MessageInfo is the printable form of a message used by the client commands.
type MessageInfo struct {
	Type        string `json:"type"`
	Serial      uint32 `json:"serial"`
	ReplySerial uint32 `json:"replySerial,omitempty"`
	Sender      string `json:"sender,omitempty"`
	Destination string `json:"destination,omitempty"`
	Path        string `json:"path,omitempty"`
	Interface   string `json:"interface,omitempty"`
	Member      string `json:"member,omitempty"`
	ErrorName   string `json:"errorName,omitempty"`
	Signature   string `json:"signature,omitempty"`
	Body        []any  `json:"body,omitempty"`
}

// Describe converts msg into its printable form.
func Describe(msg *message.Message) *MessageInfo {
	info := &MessageInfo{
		Type:        msg.Type().String(),
		Serial:      msg.Serial(),
		ReplySerial: msg.ReplySerial(),
		Sender:      msg.Sender(),
		Destination: msg.Destination(),
		Path:        string(msg.Path()),
		Interface:   msg.Interface(),
		Member:      msg.Member(),
		ErrorName:   msg.ErrorName(),
		Signature:   msg.Signature(),
	}
	for _, v := range msg.Body() {
		info.Body = append(info.Body, plain(v))
	}
	return info
}

// plain unwraps variants and object paths, which do not marshal on their own.
func plain(v any) any {
	switch x := v.(type) {
	case dbus.Variant:
		return plain(x.Value())
	case dbus.ObjectPath:
		return string(x)
	case dbus.Signature:
		return x.String()
	case []any:
		out := make([]any, 0, len(x))
		for _, e := range x {
			out = append(out, plain(e))
		}
		return out
	case map[string]dbus.Variant:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = plain(e.Value())
		}
		return out
	}
	return v
}

// Render returns the JSON encoding of msg.
func Render(msg *message.Message) (string, error) {
	return json.ConfigCompatibleWithStandardLibrary.MarshalToString(Describe(msg))
}

// RenderAs returns msg encoded in the given output format.
func RenderAs(msg *message.Message, format string) (string, error) {
	switch format {
	case "", OutputJSON:
		return Render(msg)
	case OutputYAML:
		b, err := yaml.Marshal(Describe(msg))
		if err != nil {
			return "", err
		}
		return "---\n" + strings.TrimSuffix(string(b), "\n"), nil
	}
	return "", fmt.Errorf("unknown output format %q", format)
}
