package model

import (
	"database/sql"
	"time"

	geom "github.com/peterstace/simplefeatures/geom"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

////////////////////////
// DATABASE STRUCTURES //
////////////////////////

// DatabaseModels is a list of all the structs exported here which represent tables in the database schema
var DatabaseModels = []any{
	&EnvInfo{},
	&Episode{},
	&EpisodeSensor{},
	&Step{},
	&Performance{},
}

////////////////////////
// SYSTEM MODELS
////////////////////////

// EnvInfo identifies the environment that wrote the database
type EnvInfo struct {
	gorm.Model
	Name        string `json:"name" gorm:"size:127"`
	Description string `json:"description" gorm:"size:255"`
	Version     string `json:"version" gorm:"size:64"`
}

func (*EnvInfo) TableName() string {
	return "env_infos"
}

// Time columns carry no explicit type: gorm maps them to timestamptz on
// Postgres and datetime on SQLite, the only declared types the SQLite driver
// scans back into time.Time.

// Performance is a periodic sample of recorder throughput
type Performance struct {
	Time           time.Time `json:"time" gorm:"index:idx_performance_time"`
	EpisodeID      string    `json:"episodeId" gorm:"size:36;index:idx_performance_episode_id"`
	Steps          int       `json:"steps"`
	StepsPerSecond float64   `json:"stepsPerSecond"`
	QueueLength    int       `json:"queueLength"`
	HeapMB         float64   `json:"heapMb"`
	Goroutines     int       `json:"goroutines"`
	CPUPercent     float64   `json:"cpuPercent"`
}

func (*Performance) TableName() string {
	return "performances"
}

////////////////////////
// EPISODES
////////////////////////

// Episode is one reset-to-reset run. UUID is the id handed out by the
// environment; ID is the database key steps refer to.
type Episode struct {
	gorm.Model
	UUID          string          `json:"uuid" gorm:"size:36;uniqueIndex:idx_episode_uuid"`
	StartTime     time.Time       `json:"startTime" gorm:"index:idx_episode_start"`
	EndTime       sql.NullTime    `json:"endTime"`
	MapName       string          `json:"mapName" gorm:"size:127"`
	Vehicle       string          `json:"vehicle" gorm:"size:127"`
	Weather       string          `json:"weather" gorm:"size:64"`
	Autopilot     bool            `json:"autopilot"`
	MaxSteps      int             `json:"maxSteps"`
	Steps         int             `json:"steps"`
	TotalReward   float64         `json:"totalReward"`
	Collisions    int             `json:"collisions"`
	LaneInvasions int             `json:"laneInvasions"`
	Tag           string          `json:"tag" gorm:"size:127"`
	Trajectory    geom.LineString `json:"-"`

	Sensors []EpisodeSensor `json:"sensors" gorm:"foreignKey:EpisodeID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE;"`
	Records []Step          `json:"-" gorm:"foreignKey:EpisodeID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE;"`
}

func (*Episode) TableName() string {
	return "episodes"
}

// EpisodeSensor is a sensor attached to the hero during an episode
type EpisodeSensor struct {
	ID        uint   `json:"id" gorm:"primarykey;autoIncrement;"`
	EpisodeID uint   `json:"episodeId" gorm:"index:idx_episode_sensor_episode_id"`
	Name      string `json:"name" gorm:"size:127"`
	Type      string `json:"type" gorm:"size:127"`
}

func (*EpisodeSensor) TableName() string {
	return "episode_sensors"
}

// Step is one recorded environment step. Step 0 is the reset observation.
type Step struct {
	ID                uint            `json:"id" gorm:"primarykey;autoIncrement;"`
	EpisodeID         uint            `json:"episodeId" gorm:"index:idx_step_episode_id"`
	Step              int             `json:"step" gorm:"index:idx_step_step"`
	Frame             uint64          `json:"frame"`
	Time              time.Time       `json:"time"`
	Steer             float64         `json:"steer"`
	Throttle          float64         `json:"throttle"`
	Autopilot         bool            `json:"autopilot"`
	Reward            datatypes.JSON  `json:"reward" gorm:"type:jsonb;default:'{}'"`
	TotalReward       float64         `json:"totalReward"`
	Done              bool            `json:"done"`
	Speed             float64         `json:"speed"`
	DistanceCenter    float64         `json:"distanceCenter"`
	DistanceLeftLane  sql.NullFloat64 `json:"distanceLeftLane" gorm:"default:NULL"`
	DistanceRightLane sql.NullFloat64 `json:"distanceRightLane" gorm:"default:NULL"`
	Collision         bool            `json:"collision"`
	LineInvasion      bool            `json:"lineInvasion"`
	Position          geom.Point      `json:"position"`     // world coordinates, meters
	GNSSPosition      geom.Point      `json:"gnssPosition"` // EPSG:3857, empty without a fix
	Vectors           datatypes.JSON  `json:"vectors" gorm:"type:jsonb;default:'{}'"`
}

func (*Step) TableName() string {
	return "steps"
}
