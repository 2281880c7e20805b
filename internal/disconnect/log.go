package disconnect

import log "github.com/sirupsen/logrus"

func logHeartbeat(reqID string, polls int) {
	log.WithFields(log.Fields{"req_id": reqID, "polls": polls}).Debug("disconnect monitor heartbeat")
}
