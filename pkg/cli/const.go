package cli

const (
	cmdList       string = "list"
	cmdInspect    string = "inspect"
	cmdDecompose  string = "decompose"
	cmdReassemble string = "reassemble"
	cmdEvaluate   string = "evaluate"
	cmdReset      string = "reset"
	cmdExit       string = "exit"

	listVmis       string = "vmis"
	listPackages   string = "packages"
	listBaseImages string = "baseimages"

	confirmYes  string = "yes"
	confirmYesY string = "y"
)
