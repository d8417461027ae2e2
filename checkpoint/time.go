package checkpoint

import "time"

func nowFunc() time.Time { return time.Now() }

func unixNanoToTime(ns int64) time.Time { return time.Unix(0, ns).UTC() }
