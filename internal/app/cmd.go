package app

// Command はサブコマンドで指定する起動モード。
type Command string

const (
	// CommandServe はソース接続・同期APIを提供するHTTPサーバーとして起動する。
	CommandServe Command = "serve"
	// CommandWorker は期限の来たソースを定期的に同期し、中断された同期を回復する。
	CommandWorker Command = "worker"
	// CommandMigrate は埋め込みマイグレーションを適用して終了する。
	CommandMigrate Command = "migrate"
	// CommandHealthcheck は起動中のサーバーの /health を確認して終了する。
	// distrolessイメージのDocker HEALTHCHECKから呼び出す。
	CommandHealthcheck Command = "healthcheck"
)

var commands = map[string]Command{
	string(CommandServe):       CommandServe,
	string(CommandWorker):      CommandWorker,
	string(CommandMigrate):     CommandMigrate,
	string(CommandHealthcheck): CommandHealthcheck,
}

// ParseCommand は先頭の引数からサブコマンドを判定する。
// 引数が無い場合や未知のサブコマンドは serve として扱う。
func ParseCommand(args []string) Command {
	if len(args) == 0 {
		return CommandServe
	}
	if cmd, ok := commands[args[0]]; ok {
		return cmd
	}
	return CommandServe
}
