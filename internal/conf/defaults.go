// conf/defaults.go default values for settings
package conf

import (
	"time"

	"github.com/spf13/viper"
)

// Sets default values for the configuration.
func setDefaultConfig() {
	viper.SetDefault("debug", false)

	viper.SetDefault("main.name", "Airtrack")
	viper.SetDefault("main.log.enabled", true)
	viper.SetDefault("main.log.path", "logs/airtrack.log")
	viper.SetDefault("main.log.maxsize", 100)
	viper.SetDefault("main.log.maxbackups", 3)
	viper.SetDefault("main.log.maxage", 28)

	viper.SetDefault("monitor.maxstations", 50)
	viper.SetDefault("monitor.statusinterval", time.Second)
	viper.SetDefault("monitor.maxrestarts", 5)
	viper.SetDefault("monitor.restartwindow", 10*time.Minute)
	viper.SetDefault("monitor.healthstalethreshold", 30*time.Second)

	viper.SetDefault("puller.ffmpegpath", "")
	viper.SetDefault("puller.readtimeout", 15*time.Second)
	viper.SetDefault("puller.bufferseconds", 30)
	viper.SetDefault("puller.backoffinitial", time.Second)
	viper.SetDefault("puller.backoffmax", 60*time.Second)
	viper.SetDefault("puller.failurewindow", 5*time.Minute)
	viper.SetDefault("puller.maxfailures", 8)
	viper.SetDefault("puller.decodefaillimit", 10)

	viper.SetDefault("segmenter.silencethreshold", 0.05)
	viper.SetDefault("segmenter.silencehold", 2*time.Second)
	viper.SetDefault("segmenter.changethreshold", 2.0)
	viper.SetDefault("segmenter.minsegment", 3*time.Second)
	viper.SetDefault("segmenter.maxsegment", 180*time.Second)

	viper.SetDefault("features.musicthreshold", 0.5)

	viper.SetDefault("recognition.localminconfidence", 0.80)
	viper.SetDefault("recognition.externalminconfidence", 0.50)
	viper.SetDefault("recognition.recordminconfidence", 0.50)
	viper.SetDefault("recognition.negativecachettl", 15*time.Minute)

	viper.SetDefault("recognition.servicea.enabled", true)
	viper.SetDefault("recognition.servicea.baseurl", "https://api.acoustid.org/v2/lookup")
	viper.SetDefault("recognition.servicea.apikey", "")
	viper.SetDefault("recognition.servicea.requestspersec", 3.0)
	viper.SetDefault("recognition.servicea.burst", 3)
	viper.SetDefault("recognition.servicea.timeout", 10*time.Second)
	viper.SetDefault("recognition.servicea.maxretries", 2)

	viper.SetDefault("recognition.serviceb.enabled", false)
	viper.SetDefault("recognition.serviceb.baseurl", "https://api.audd.io/")
	viper.SetDefault("recognition.serviceb.apikey", "")
	viper.SetDefault("recognition.serviceb.requestspersec", 1.0)
	viper.SetDefault("recognition.serviceb.burst", 1)
	viper.SetDefault("recognition.serviceb.timeout", 20*time.Second)
	viper.SetDefault("recognition.serviceb.maxretries", 2)
	viper.SetDefault("recognition.serviceb.maxclipbytes", 700*1024)

	viper.SetDefault("tracker.mindetectionduration", 5*time.Second)
	viper.SetDefault("tracker.mergegap", 5*time.Second)
	viper.SetDefault("tracker.gaptolerance", 10*time.Second)
	viper.SetDefault("tracker.playingtimeout", 30*time.Second)
	viper.SetDefault("tracker.confirmcount", 2)

	viper.SetDefault("output.sqlite.enabled", true)
	viper.SetDefault("output.sqlite.path", "airtrack.db")
	viper.SetDefault("output.mysql.enabled", false)
	viper.SetDefault("output.mysql.username", "airtrack")
	viper.SetDefault("output.mysql.password", "airtrack")
	viper.SetDefault("output.mysql.database", "airtrack")
	viper.SetDefault("output.mysql.host", "localhost")
	viper.SetDefault("output.mysql.port", "3306")

	viper.SetDefault("mqtt.enabled", false)
	viper.SetDefault("mqtt.broker", "tcp://localhost:1883")
	viper.SetDefault("mqtt.topic", "airtrack/detections")

	viper.SetDefault("eventbus.buffersize", 256)
	viper.SetDefault("eventbus.workers", 4)
}
