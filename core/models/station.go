package models

// Station is a compute site a job visits along its planned route
type Station struct {
	ID          string
	Title       string
	Description string
	Owner       string
	CPUCores    string
	MemoryGB    string
	StorageGB   string
}

// Train is a reusable analysis definition executed as jobs
type Train struct {
	ID          string
	Title       string
	Description string
	Creator     string
	Version     string
	Publisher   string
}
