package api

import (
	"encoding/xml"
	"net/http"

	"github.com/nugget/vanguard/internal/config"
)

// twimlResponse is the call-flow document returned to the voice
// platform. The ConversationRelay noun opens the relay websocket; the
// Play noun keeps the caller on hold music after the relay ends with a
// transfer.
type twimlResponse struct {
	XMLName xml.Name     `xml:"Response"`
	Connect twimlConnect `xml:"Connect"`
	Play    twimlPlay    `xml:"Play"`
}

type twimlConnect struct {
	Relay conversationRelay `xml:"ConversationRelay"`
}

type conversationRelay struct {
	URL                    string `xml:"url,attr"`
	WelcomeGreeting        string `xml:"welcomeGreeting,attr"`
	TTSProvider            string `xml:"ttsProvider,attr"`
	Interruptible          bool   `xml:"interruptible,attr"`
	DTMFDetection          bool   `xml:"dtmfDetection,attr"`
	Language               string `xml:"lang,attr"`
	IntelligenceServiceSID string `xml:"intelligenceServiceSid,attr,omitempty"`
}

type twimlPlay struct {
	Loop int    `xml:"loop,attr"`
	URL  string `xml:",chardata"`
}

// BuildTwiML renders the call-flow document pointing the relay at
// wss://host/ws.
func BuildTwiML(cfg config.RelayConfig, host string) ([]byte, error) {
	doc := twimlResponse{
		Connect: twimlConnect{Relay: conversationRelay{
			URL:                    "wss://" + host + "/ws",
			WelcomeGreeting:        cfg.WelcomeGreeting,
			TTSProvider:            cfg.TTSProvider,
			Interruptible:          true,
			DTMFDetection:          true,
			Language:               cfg.Language,
			IntelligenceServiceSID: cfg.IntelligenceServiceSID,
		}},
		Play: twimlPlay{Loop: 0, URL: cfg.HoldMusicURL},
	}

	body, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, err
	}
	return append([]byte(xml.Header), body...), nil
}

func (s *Server) handleTwiML(w http.ResponseWriter, r *http.Request) {
	host := s.relay.PublicHost
	if host == "" {
		host = r.Host
	}

	body, err := BuildTwiML(s.relay, host)
	if err != nil {
		s.logger.Error("render twiml failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "twiml error")
		return
	}

	w.Header().Set("Content-Type", "text/xml")
	if _, err := w.Write(body); err != nil {
		s.logger.Debug("failed to write twiml", "error", err)
	}
}
