package mqtt

import (
	"fmt"
	"strings"

	"github.com/nerrad567/knxmgmt/internal/knx/telegram"
)

// TopicPrefix is the root of every knxmgmt topic.
const TopicPrefix = "knxmgmt"

// Topics builds knxmgmt topic names.
//
//	mqtt.Topics{}.Response("req-1")                                // knxmgmt/response/req-1
//	mqtt.Topics{}.Group(telegram.GroupAddress{Main: 1, Sub: 4})    // knxmgmt/bus/group/1/0/4
type Topics struct{}

// Request is where a client publishes management request id.
func (Topics) Request(id string) string {
	return fmt.Sprintf("%s/request/%s", TopicPrefix, id)
}

// Response is where the result of request id is published.
func (Topics) Response(id string) string {
	return fmt.Sprintf("%s/response/%s", TopicPrefix, id)
}

// Group carries telegrams observed for a group address.
func (Topics) Group(ga telegram.GroupAddress) string {
	return fmt.Sprintf("%s/bus/group/%d/%d/%d", TopicPrefix, ga.Main, ga.Middle, ga.Sub)
}

// Run carries progress events of a commissioning run.
func (Topics) Run(runID string) string {
	return fmt.Sprintf("%s/run/%s", TopicPrefix, runID)
}

// Health is the retained bridge health document.
func (Topics) Health() string {
	return TopicPrefix + "/health"
}

// SystemStatus holds the retained online/offline status and the last will.
func (Topics) SystemStatus() string {
	return TopicPrefix + "/system/status"
}

// AllRequests matches every request topic.
func (Topics) AllRequests() string {
	return TopicPrefix + "/request/+"
}

// AllGroups matches every group telegram topic.
func (Topics) AllGroups() string {
	return TopicPrefix + "/bus/group/#"
}

// RequestID extracts the id from a request topic.
func RequestID(topic string) (string, bool) {
	id, ok := strings.CutPrefix(topic, TopicPrefix+"/request/")
	if !ok || id == "" || strings.Contains(id, "/") {
		return "", false
	}
	return id, true
}
