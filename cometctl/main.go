package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/gorilla/websocket"
	"github.com/pterm/pterm"
	"golang.org/x/term"

	"github.com/bringyour/comet/comet"
)

const CometCtlVersion = "0.0.1"

const DefaultServerUrl = "http://localhost:8080/comet"

func main() {
	usage := fmt.Sprintf(
		`Comet control.

The default server url is:
    server_url: %s

Usage:
    cometctl handshake [--server_url=<server_url>] [--jwt=<jwt>]
    cometctl poll [--server_url=<server_url>] --session=<session>
        [--ack=<ack>]
        [--duration=<duration>]
        [--count=<count>]
    cometctl send [--server_url=<server_url>] --session=<session>
        --packet_id=<packet_id>
        <message>
    cometctl open [--server_url=<server_url>] --session=<session>
        --tid=<tid>
        <channel_url>
    cometctl watch [--server_url=<server_url>] --session=<session>
    cometctl token [--jwt_secret=<jwt_secret>] [--client_key=<client_key>] [--ttl=<ttl>]

Options:
    -h --help                    Show this screen.
    --version                    Show version.
    --server_url=<server_url>
    --jwt=<jwt>                  Client token, when the server requires one.
    --session=<session>          Session key from the handshake.
    --ack=<ack>                  Highest acked packet id [default: -1].
    --duration=<duration>        Long poll seconds [default: 30].
    --count=<count>              Number of polls [default: 1].
    --packet_id=<packet_id>
    --tid=<tid>                  Channel transport id.
    --jwt_secret=<jwt_secret>    HMAC secret. Read from the terminal when missing.
    --client_key=<client_key>    Token subject.
    --ttl=<ttl>                  Token lifetime [default: 24h].`,
		DefaultServerUrl,
	)

	opts, err := docopt.ParseArgs(usage, os.Args[1:], CometCtlVersion)
	if err != nil {
		panic(err)
	}

	if handshake_, _ := opts.Bool("handshake"); handshake_ {
		handshake(opts)
	} else if poll_, _ := opts.Bool("poll"); poll_ {
		poll(opts)
	} else if send_, _ := opts.Bool("send"); send_ {
		send(opts)
	} else if open_, _ := opts.Bool("open"); open_ {
		open(opts)
	} else if watch_, _ := opts.Bool("watch"); watch_ {
		watch(opts)
	} else if token_, _ := opts.Bool("token"); token_ {
		token(opts)
	}
}

func serverUrl(opts docopt.Opts) string {
	if serverUrlAny := opts["--server_url"]; serverUrlAny != nil {
		return strings.TrimSuffix(serverUrlAny.(string), "/")
	}
	return DefaultServerUrl
}

func handshake(opts docopt.Opts) {
	request, err := http.NewRequest(http.MethodGet, serverUrl(opts)+"/handshake", nil)
	if err != nil {
		panic(err)
	}
	if jwtAny := opts["--jwt"]; jwtAny != nil {
		request.Header.Set("Authorization", fmt.Sprintf("Bearer %s", jwtAny.(string)))
	}

	body := requireOk(http.DefaultClient.Do(request))

	var result struct {
		Session string `json:"session"`
	}
	if err := json.Unmarshal(unwrap(body), &result); err != nil {
		pterm.Error.Printfln("Bad handshake response (%s).", err)
		os.Exit(1)
	}
	pterm.Success.Printfln("session: %s", result.Session)
}

func poll(opts docopt.Opts) {
	session, _ := opts.String("--session")
	ack, _ := opts.String("--ack")
	duration, _ := opts.String("--duration")
	count, _ := opts.Int("--count")

	for i := 0; i < count; i += 1 {
		values := url.Values{}
		values.Set("s", session)
		values.Set("a", ack)
		values.Set("du", duration)
		values.Set("n", strconv.FormatInt(time.Now().UnixMilli(), 10))

		body := requireOk(http.Get(serverUrl(opts) + "/poll?" + values.Encode()))
		if len(body) == 0 {
			pterm.Info.Println("Discarded.")
			continue
		}

		packets, err := comet.DecodePackets(unwrap(body))
		if err != nil {
			pterm.Error.Printfln("Bad poll response (%s).", err)
			os.Exit(1)
		}
		if len(packets) == 0 {
			pterm.Info.Println("No data.")
			continue
		}
		printPackets(packets)
		ack = strconv.FormatUint(packets[len(packets)-1].PacketId, 10)
	}
	pterm.Info.Printfln("ack: %s", ack)
}

func send(opts docopt.Opts) {
	session, _ := opts.String("--session")
	packetId, _ := opts.Int("--packet_id")
	message, _ := opts.String("<message>")

	packetsJson, err := json.Marshal([][3]any{{packetId, 0, message}})
	if err != nil {
		panic(err)
	}
	// the array is sent as a json string
	body, err := json.Marshal(string(packetsJson))
	if err != nil {
		panic(err)
	}

	values := url.Values{}
	values.Set("s", session)
	requireOk(http.Post(serverUrl(opts)+"/send?"+values.Encode(), "application/json", bytes.NewReader(body)))
	pterm.Success.Printfln("Sent packet %d.", packetId)
}

func open(opts docopt.Opts) {
	session, _ := opts.String("--session")
	tid, _ := opts.Int("--tid")
	channelUrl, _ := opts.String("<channel_url>")

	data, err := json.Marshal(map[string]any{
		"m": []map[string]any{
			{"tid": tid, "u": channelUrl},
		},
	})
	if err != nil {
		panic(err)
	}

	values := url.Values{}
	values.Set("s", session)
	values.Set("d", string(data))
	values.Set("du", "0")
	requireOk(http.PostForm(serverUrl(opts)+"/poll", values))
	pterm.Success.Printfln("Requested channel %d (%s).", tid, channelUrl)
}

func watch(opts docopt.Opts) {
	session, _ := opts.String("--session")

	streamUrl, err := url.Parse(serverUrl(opts) + "/stream")
	if err != nil {
		panic(err)
	}
	switch streamUrl.Scheme {
	case "https":
		streamUrl.Scheme = "wss"
	default:
		streamUrl.Scheme = "ws"
	}
	values := url.Values{}
	values.Set("s", session)
	streamUrl.RawQuery = values.Encode()

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	event := comet.NewEventWithContext(cancelCtx)
	event.SetOnSignals(syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
	ctx := event.Ctx()

	ws, _, err := websocket.DefaultDialer.DialContext(ctx, streamUrl.String(), nil)
	if err != nil {
		pterm.Error.Printfln("Could not connect (%s).", err)
		os.Exit(1)
	}
	defer ws.Close()

	go func() {
		<-ctx.Done()
		ws.Close()
	}()

	pterm.Info.Printfln("Watching session %s.", session)
	for {
		messageType, message, err := ws.ReadMessage()
		if err != nil {
			select {
			case <-ctx.Done():
			default:
				pterm.Error.Printfln("Stream ended (%s).", err)
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		packets, err := comet.DecodePackets(message)
		if err != nil {
			pterm.Warning.Printfln("Bad frame (%s).", err)
			continue
		}
		if len(packets) == 0 {
			continue
		}
		printPackets(packets)

		ackJson, _ := json.Marshal(map[string]uint64{
			"a": packets[len(packets)-1].PacketId,
		})
		if err := ws.WriteMessage(websocket.TextMessage, ackJson); err != nil {
			pterm.Error.Printfln("Ack failed (%s).", err)
			return
		}
	}
}

func token(opts docopt.Opts) {
	ttlStr, _ := opts.String("--ttl")
	ttl, err := time.ParseDuration(ttlStr)
	if err != nil {
		panic(err)
	}

	var clientKey string
	if clientKeyAny := opts["--client_key"]; clientKeyAny != nil {
		clientKey = clientKeyAny.(string)
	} else {
		clientKey = comet.NewId().String()
	}

	var jwtSecret string
	if jwtSecretAny := opts["--jwt_secret"]; jwtSecretAny != nil {
		jwtSecret = jwtSecretAny.(string)
	} else {
		fmt.Print("Enter jwt secret: ")
		jwtSecretBytes, err := term.ReadPassword(int(syscall.Stdin))
		if err != nil {
			panic(err)
		}
		jwtSecret = string(jwtSecretBytes)
		fmt.Printf("\n")
	}

	jwt, err := comet.SignJwt([]byte(jwtSecret), clientKey, ttl)
	if err != nil {
		panic(err)
	}
	fmt.Printf("%s\n", jwt)
}

func requireOk(response *http.Response, err error) []byte {
	if err != nil {
		pterm.Error.Printfln("Request failed (%s).", err)
		os.Exit(1)
	}
	defer response.Body.Close()

	body, err := io.ReadAll(response.Body)
	if err != nil {
		pterm.Error.Printfln("Request failed (%s).", err)
		os.Exit(1)
	}
	if response.StatusCode != http.StatusOK {
		pterm.Error.Printfln("%s: %s", response.Status, strings.TrimSpace(string(body)))
		os.Exit(1)
	}
	return body
}

// strips the `(` `)` wrapper of a comet response
func unwrap(body []byte) []byte {
	start := bytes.IndexByte(body, '(')
	end := bytes.LastIndexByte(body, ')')
	if start < 0 || end < start {
		return body
	}
	return body[start+1 : end]
}

func printPackets(packets []comet.Packet) {
	data := pterm.TableData{
		{"packet_id", "payload"},
	}
	for _, packet := range packets {
		data = append(data, []string{
			strconv.FormatUint(packet.PacketId, 10),
			packet.Payload,
		})
	}
	pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}
