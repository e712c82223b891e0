// Command relay-probe drives one live session against a running relay from
// the terminal: it mints a token, dials the session socket, streams audio,
// and prints every frame that comes back. Intended for manual end-to-end
// checks against a deployed or locally running relay.
package main

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"math"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"

	"github.com/parlo-labs/liverelay/pkg/gateway/live/protocol"
)

const (
	audioInSampleRateHz = 16000
	bytesPerSample      = 2
)

type options struct {
	relay     string
	sessionID string
	token     string
	secret    string
	userID    string
	audioPath string
	audioOut  string
	frameMS   int
	holdOpen  time.Duration
}

func main() {
	os.Exit(runMain())
}

func runMain() int {
	var opt options
	flag.StringVar(&opt.relay, "relay", "ws://127.0.0.1:8080", "Relay base URL (http(s):// or ws(s)://)")
	flag.StringVar(&opt.sessionID, "session", "", "Practice session id (required)")
	flag.StringVar(&opt.token, "token", strings.TrimSpace(os.Getenv("LIVE_RELAY_PROBE_TOKEN")), "Bearer token (also reads LIVE_RELAY_PROBE_TOKEN); minted from -secret when empty")
	flag.StringVar(&opt.secret, "secret", strings.TrimSpace(os.Getenv("LIVE_RELAY_JWT_SECRET")), "JWT secret used to mint a probe token (also reads LIVE_RELAY_JWT_SECRET)")
	flag.StringVar(&opt.userID, "user", "probe", "User id claim for the minted token")
	flag.StringVar(&opt.audioPath, "audio", "", "Raw pcm_s16le @16kHz mono file to stream; a synthetic tone when empty")
	flag.StringVar(&opt.audioOut, "audio-out", "", "If set, write received audio to this file (raw pcm_s16le)")
	flag.IntVar(&opt.frameMS, "frame-ms", 20, "Audio frame duration in ms")
	flag.DurationVar(&opt.holdOpen, "hold-open", 10*time.Second, "How long to wait for responses after the turn ends")
	flag.Parse()

	if strings.TrimSpace(opt.sessionID) == "" {
		fmt.Fprintln(os.Stderr, "relay-probe: -session is required")
		return 2
	}
	if opt.frameMS <= 0 {
		fmt.Fprintln(os.Stderr, "relay-probe: -frame-ms must be > 0")
		return 2
	}

	token, err := resolveToken(opt)
	if err != nil {
		fmt.Fprintf(os.Stderr, "relay-probe: %v\n", err)
		return 2
	}

	if err := probe(opt, token); err != nil {
		fmt.Fprintf(os.Stderr, "relay-probe: %v\n", err)
		return 1
	}
	return 0
}

func resolveToken(opt options) (string, error) {
	if opt.token != "" {
		return opt.token, nil
	}
	if opt.secret == "" {
		return "", errors.New("either -token or -secret is required")
	}
	claims := jwt.MapClaims{
		"user_id": opt.userID,
		"iat":     time.Now().Unix(),
		"exp":     time.Now().Add(time.Hour).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(opt.secret))
}

func sessionURL(relay, sessionID string) string {
	base := strings.TrimRight(strings.TrimSpace(relay), "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/ws/live/session/" + sessionID
}

func probe(opt options, token string) error {
	audio, err := loadAudio(opt.audioPath)
	if err != nil {
		return err
	}

	header := http.Header{"Authorization": []string{"Bearer " + token}}
	conn, _, err := websocket.DefaultDialer.Dial(sessionURL(opt.relay, opt.sessionID), header)
	if err != nil {
		return fmt.Errorf("dial relay: %w", err)
	}
	defer conn.Close()

	var audioOut *os.File
	if opt.audioOut != "" {
		audioOut, err = os.Create(opt.audioOut)
		if err != nil {
			return fmt.Errorf("create audio-out file: %w", err)
		}
		defer audioOut.Close()
	}

	readerDone := make(chan error, 1)
	go func() { readerDone <- readFrames(conn, audioOut) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	defer signal.Stop(sigCh)

	frameBytes := opt.frameMS * audioInSampleRateHz * bytesPerSample / 1000
	for off := 0; off < len(audio); off += frameBytes {
		end := off + frameBytes
		if end > len(audio) {
			end = len(audio)
		}
		if err := conn.WriteMessage(websocket.BinaryMessage, audio[off:end]); err != nil {
			return fmt.Errorf("send audio: %w", err)
		}
		select {
		case err := <-readerDone:
			return err
		case <-sigCh:
			return closeGracefully(conn, readerDone)
		case <-time.After(time.Duration(opt.frameMS) * time.Millisecond):
		}
	}
	if err := conn.WriteJSON(map[string]string{"type": protocol.TypeEndStream}); err != nil {
		return fmt.Errorf("send end_stream: %w", err)
	}
	fmt.Printf("sent %d bytes of audio, waiting %s for responses\n", len(audio), opt.holdOpen)

	select {
	case err := <-readerDone:
		return err
	case <-sigCh:
	case <-time.After(opt.holdOpen):
	}
	return closeGracefully(conn, readerDone)
}

// readFrames prints relay frames until the socket closes. A normal close or
// an enumerated application close code ends the probe without error.
func readFrames(conn *websocket.Conn, audioOut *os.File) error {
	var audioBytes int
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if audioBytes > 0 {
				fmt.Printf("received %d bytes of audio\n", audioBytes)
			}
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				fmt.Printf("relay closed: code=%d reason=%q\n", ce.Code, ce.Text)
				if ce.Code == websocket.CloseNormalClosure {
					return nil
				}
				return fmt.Errorf("relay refused session: %d %s", ce.Code, ce.Text)
			}
			return err
		}
		if messageType == websocket.BinaryMessage {
			audioBytes += len(data)
			if audioOut != nil {
				if _, err := audioOut.Write(data); err != nil {
					return fmt.Errorf("write audio-out: %w", err)
				}
			}
			continue
		}

		var frame struct {
			Type      string          `json:"type"`
			SessionID string          `json:"session_id"`
			Text      string          `json:"text"`
			Message   string          `json:"message"`
			Event     json.RawMessage `json:"event"`
		}
		if err := json.Unmarshal(data, &frame); err != nil {
			fmt.Printf("frame (unparsed): %s\n", data)
			continue
		}
		switch frame.Type {
		case protocol.TypeLiveConnected:
			fmt.Printf("connected: session=%s\n", frame.SessionID)
		case protocol.TypeText:
			fmt.Printf("text: %s\n", frame.Text)
		case protocol.TypeError:
			fmt.Printf("error: %s\n", frame.Message)
		case protocol.TypeInfo:
			fmt.Printf("info: %s\n", frame.Event)
		default:
			fmt.Printf("frame: %s\n", data)
		}
	}
}

func closeGracefully(conn *websocket.Conn, readerDone chan error) error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(2*time.Second))
	select {
	case err := <-readerDone:
		return err
	case <-time.After(2 * time.Second):
		return nil
	}
}

func loadAudio(path string) ([]byte, error) {
	if path == "" {
		return synthTone(440, time.Second), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read audio file: %w", err)
	}
	return data, nil
}

// synthTone renders a sine tone as pcm_s16le @16kHz mono, loud enough to
// register as speech but far from clipping.
func synthTone(freqHz float64, d time.Duration) []byte {
	samples := int(float64(audioInSampleRateHz) * d.Seconds())
	out := make([]byte, samples*bytesPerSample)
	for i := 0; i < samples; i++ {
		v := int16(8000 * math.Sin(2*math.Pi*freqHz*float64(i)/audioInSampleRateHz))
		binary.LittleEndian.PutUint16(out[i*bytesPerSample:], uint16(v))
	}
	return out
}
