package model

// Command is the closed set of device-level operations a policy step can
// request. Commands map to relay plans inside the device driver.
type Command string

const (
	CommandMonitor            Command = "monitor"
	CommandArmSensors         Command = "arm_sensors"
	CommandStagePumps         Command = "stage_pumps"
	CommandEnablePumpsLow     Command = "enable_pumps_low"
	CommandEnablePumpsHigh    Command = "enable_pumps_high"
	CommandOpenValvesPriority Command = "open_valves_priority"
	CommandOpenValvesAll      Command = "open_valves_all"
	CommandLockdown           Command = "lockdown"
	CommandNoop               Command = "noop"
)

// CommandFromAction maps a policy action name to its Command. Unrecognized
// actions degrade to CommandNoop so a stale policy table never crashes a run.
func CommandFromAction(action string) Command {
	switch Command(action) {
	case CommandMonitor, CommandArmSensors, CommandStagePumps,
		CommandEnablePumpsLow, CommandEnablePumpsHigh,
		CommandOpenValvesPriority, CommandOpenValvesAll, CommandLockdown:
		return Command(action)
	default:
		return CommandNoop
	}
}

// CommandResult is the outcome of applying one command to one installation.
type CommandResult struct {
	OK      bool   `json:"ok"`
	Message string `json:"message"`
}
