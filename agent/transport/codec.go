package transport

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/vmihailenco/msgpack/v5"

	contractx "github.com/LeaveC/xianyubot/agent/contract"
	statex "github.com/LeaveC/xianyubot/agent/state"
)

const (
	imAppKey      = "444e9908a51d1cb236a27862abc769c9"
	accountSuffix = "@goofish"

	lwpRegister  = "/reg"
	lwpAckDiff   = "/r/SyncStatus/ackDiff"
	lwpHeartbeat = "/!"
	lwpSend      = "/r/MessageSend/sendByReceiverScope"
)

var errUndecodable = errors.New("undecodable push payload")

// frame is the lwp envelope used in both directions.
type frame struct {
	LWP     string          `json:"lwp,omitempty"`
	Code    int             `json:"code,omitempty"`
	Headers map[string]any  `json:"headers"`
	Body    json.RawMessage `json:"body,omitempty"`
}

func (f frame) header(name string) string {
	v, ok := f.Headers[name]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

func newMID(now time.Time) string {
	return fmt.Sprintf("%d%d 0", rand.IntN(1000), now.UnixMilli())
}

func encode(lwp string, headers map[string]any, body any) ([]byte, error) {
	f := frame{LWP: lwp, Headers: headers}
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode %s body: %w", lwp, err)
		}
		f.Body = raw
	}
	return json.Marshal(f)
}

func registerFrame(cred contractx.Credential, userAgent string, now time.Time) ([]byte, error) {
	return encode(lwpRegister, map[string]any{
		"cache-header": "app-key token ua wv",
		"app-key":      imAppKey,
		"token":        cred.Token,
		"ua":           userAgent,
		"dt":           "j",
		"wv":           "im:3,au:3,sy:6",
		"sync":         "0,0;0;0;",
		"did":          cred.DeviceID,
		"mid":          newMID(now),
	}, nil)
}

func ackDiffFrame(now time.Time) ([]byte, error) {
	ms := now.UnixMilli()
	return encode(lwpAckDiff, map[string]any{"mid": newMID(now)}, []map[string]any{{
		"pipeline":    "sync",
		"tooLong2Tag": "PNM,1",
		"channel":     "sync",
		"topic":       "sync",
		"highPts":     0,
		"pts":         ms * 1000,
		"seq":         0,
		"timestamp":   ms,
	}})
}

func heartbeatFrame(now time.Time) ([]byte, error) {
	return encode(lwpHeartbeat, map[string]any{"mid": newMID(now)}, nil)
}

// ackFrame acknowledges a pushed frame. Responses to our own requests carry no
// lwp and are not acked.
func ackFrame(in frame, now time.Time) ([]byte, bool) {
	if in.LWP == "" {
		return nil, false
	}
	mid := in.header("mid")
	if mid == "" {
		mid = newMID(now)
	}
	headers := map[string]any{"mid": mid, "sid": in.header("sid")}
	for _, name := range []string{"app-key", "ua", "dt"} {
		if v := in.header(name); v != "" {
			headers[name] = v
		}
	}
	raw, err := json.Marshal(frame{Code: 200, Headers: headers})
	if err != nil {
		return nil, false
	}
	return raw, true
}

func sendFrame(out Outbound, selfID string, now time.Time) ([]byte, error) {
	if out.BuyerID == "" {
		return nil, fmt.Errorf("%w: no buyer known for conversation=%s", contractx.ErrValidation, out.Key)
	}
	text, err := json.Marshal(map[string]any{
		"contentType": 1,
		"text":        map[string]string{"text": out.Text},
	})
	if err != nil {
		return nil, err
	}

	extJSON := "{}"
	if out.ReplyTo != "" {
		if !strings.Contains(out.ReplyTo, ".PNM") {
			log.Warn().Str("conversation", out.Key).Str("reply_to", out.ReplyTo).Msg("quoted message id lacks .PNM suffix, quote may not render")
		}
		raw, err := json.Marshal(map[string]string{"replyMessageId": out.ReplyTo})
		if err != nil {
			return nil, err
		}
		extJSON = string(raw)
	}

	return encode(lwpSend, map[string]any{"mid": newMID(now)}, []any{
		map[string]any{
			"uuid":             uuid.NewString(),
			"cid":              out.Key + accountSuffix,
			"conversationType": 1,
			"content": map[string]any{
				"contentType": 101,
				"custom": map[string]any{
					"type": 1,
					"data": base64.StdEncoding.EncodeToString(text),
				},
			},
			"redPointPolicy":       0,
			"extension":            map[string]string{"extJson": extJSON},
			"ctx":                  map[string]string{"appVersion": "1.0", "platform": "web"},
			"mtags":                map[string]any{},
			"msgReadStatusSetting": 1,
		},
		map[string]any{
			"actualReceivers": []string{out.BuyerID + accountSuffix, selfID + accountSuffix},
		},
	})
}

type syncBody struct {
	SyncPushPackage struct {
		Data []struct {
			Data string `json:"data"`
		} `json:"data"`
	} `json:"syncPushPackage"`
}

// decodePush turns a sync push into events. Frames that carry nothing for the
// bot (typing status, read receipts, its own messages) yield no events.
func decodePush(in frame, selfID string) ([]Event, error) {
	if len(in.Body) == 0 || in.Body[0] != '{' {
		return nil, nil
	}
	var body syncBody
	if err := json.Unmarshal(in.Body, &body); err != nil {
		return nil, nil
	}

	var events []Event
	for _, item := range body.SyncPushPackage.Data {
		if item.Data == "" {
			continue
		}
		payload, err := decodePayload(item.Data)
		if err != nil {
			return events, err
		}
		if ev, ok := eventFrom(payload, selfID); ok {
			events = append(events, ev)
		}
	}
	return events, nil
}

// decodePayload reads base64 JSON, falling back to base64 msgpack.
func decodePayload(data string) (map[string]any, error) {
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errUndecodable, err)
	}

	var out map[string]any
	if err := json.Unmarshal(raw, &out); err == nil {
		return out, nil
	}

	dec := msgpack.NewDecoder(bytes.NewReader(raw))
	dec.SetMapDecoder(func(d *msgpack.Decoder) (interface{}, error) {
		return d.DecodeUntypedMap()
	})
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("%w: %v", errUndecodable, err)
	}
	m, ok := normalize(v).(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: top level is %T", errUndecodable, v)
	}
	return m, nil
}

// normalize rewrites msgpack maps to string-keyed maps so both encodings share a shape.
func normalize(v any) any {
	switch t := v.(type) {
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[fmt.Sprint(k)] = normalize(val)
		}
		return out
	case map[string]any:
		for k, val := range t {
			t[k] = normalize(val)
		}
		return t
	case []any:
		for i := range t {
			t[i] = normalize(t[i])
		}
		return t
	default:
		return v
	}
}

var orderStages = map[string]statex.Stage{
	"等待买家付款": statex.StageAgreed,
	"等待卖家发货": statex.StageFulfilling,
	"交易关闭":   statex.StageClosed,
}

func eventFrom(m map[string]any, selfID string) (Event, bool) {
	if order, ok := m["3"].(map[string]any); ok {
		if reminder, ok := order["redReminder"].(string); ok {
			stage, known := orderStages[reminder]
			if !known {
				return Event{}, false
			}
			buyer, _ := m["1"].(string)
			return Event{
				Type:    EventOrderStatus,
				BuyerID: trimAccount(buyer),
				Stage:   stage,
			}, true
		}
	}

	msg, ok := m["1"].(map[string]any)
	if !ok {
		return Event{}, false
	}
	ext, ok := msg["10"].(map[string]any)
	if !ok {
		return Event{}, false
	}
	text, ok := ext["reminderContent"].(string)
	if !ok {
		return Event{}, false
	}

	sender := str(ext["senderUserId"])
	if sender == "" || sender == selfID {
		return Event{}, false
	}
	key := trimAccount(str(msg["2"]))
	if key == "" {
		return Event{}, false
	}

	at := time.Time{}
	if ms, err := strconv.ParseInt(str(msg["5"]), 10, 64); err == nil && ms > 0 {
		at = time.UnixMilli(ms)
	}

	return Event{
		Type:    EventNewMessage,
		Key:     key,
		BuyerID: sender,
		Item:    itemFrom(ext),
		Message: statex.Message{
			ID:        str(msg["3"]),
			Role:      statex.RoleBuyer,
			Text:      text,
			Timestamp: at,
		},
		At: at,
	}, true
}

func itemFrom(ext map[string]any) statex.Item {
	var item statex.Item
	if raw, ok := ext["bizTag"].(string); ok && raw != "" {
		var tag struct {
			ItemID    any    `json:"itemId"`
			ItemTitle string `json:"itemTitle"`
		}
		if json.Unmarshal([]byte(raw), &tag) == nil {
			item.ID = str(tag.ItemID)
			item.Title = tag.ItemTitle
		}
	}
	if item.ID == "" {
		if raw, ok := ext["reminderUrl"].(string); ok {
			if u, err := url.Parse(raw); err == nil {
				item.ID = u.Query().Get("itemId")
			}
		}
	}
	return item
}

func trimAccount(s string) string {
	s, _, _ = strings.Cut(s, "@")
	return strings.TrimSpace(s)
}

// str renders ids that arrive as strings, JSON numbers or msgpack integers.
func str(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case json.Number:
		return t.String()
	default:
		return fmt.Sprint(t)
	}
}
