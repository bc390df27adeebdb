package app

import (
	"bytes"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// TestRun_DBCommands_FailWithoutDatabase はDB接続を伴うコマンドが
// DBに接続できない場合にエラーを返して終了することを検証する。
func TestRun_DBCommands_FailWithoutDatabase(t *testing.T) {
	for _, args := range [][]string{{"serve"}, {"worker"}, {}} {
		t.Run(strings.Join(append([]string{"run"}, args...), " "), func(t *testing.T) {
			setTestEnv(t)

			var buf bytes.Buffer
			err := Run(&buf, args)
			if err == nil {
				t.Fatal("DBに接続できない場合は Run() がエラーを返すべき")
			}
			if !strings.Contains(err.Error(), "database") {
				t.Errorf("エラーメッセージにデータベースの失敗が含まれていない: %v", err)
			}
		})
	}
}

func TestRun_MigrateFailsWithoutDatabase(t *testing.T) {
	setTestEnv(t)

	var buf bytes.Buffer
	if err := Run(&buf, []string{"migrate", "up"}); err == nil {
		t.Fatal("DBに接続できない場合は migrate がエラーを返すべき")
	}
	if strings.Contains(buf.String(), "pass@") {
		t.Errorf("ログにDBのパスワードが出力された: %s", buf.String())
	}
}

func TestRun_WithMissingEnv_ReturnsError(t *testing.T) {
	setTestEnv(t)
	t.Setenv("DATABASE_URL", "")

	var buf bytes.Buffer
	if err := Run(&buf, []string{"serve"}); err == nil {
		t.Fatal("Run with missing env should return error")
	}
}

func TestRun_Healthcheck(t *testing.T) {
	status := http.StatusOK
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			t.Errorf("path = %q, want /health", r.URL.Path)
		}
		w.WriteHeader(status)
	}))
	defer srv.Close()

	_, port, err := net.SplitHostPort(srv.Listener.Addr().String())
	if err != nil {
		t.Fatalf("ポートの取得に失敗: %v", err)
	}
	t.Setenv("SERVER_PORT", port)
	// healthcheck は設定を読み込まないため、必須の環境変数がなくても動作する
	t.Setenv("DATABASE_URL", "")

	if err := Run(nil, []string{"healthcheck"}); err != nil {
		t.Errorf("healthcheck がエラーを返した: %v", err)
	}

	status = http.StatusServiceUnavailable
	if err := Run(nil, []string{"healthcheck"}); err == nil {
		t.Error("503 の場合は healthcheck がエラーを返すべき")
	}
}
